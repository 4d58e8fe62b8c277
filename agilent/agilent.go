// Package agilent provides an interface to agilent test and measurement equipment
package agilent

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/flipcoil/acquisition"
	"github.com/nasa-jpl/flipcoil/comm"
	"github.com/nasa-jpl/flipcoil/scpi"
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        57600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

/*Multimeter is an HP/Agilent 3458A digital multimeter and satisfies
acquisition.FrontEnd.

The 3458A does not speak SCPI.  It is reached through a GPIB bridge; when
GPIBAddr is nonzero the bridge is assumed to be a Prologix-style controller
and is addressed with ++ commands, reads being requested explicitly.
*/
type Multimeter struct {
	*comm.RemoteDevice

	GPIBAddr int

	bridged bool
}

// NewMultimeter creates a new Multimeter instance with
// the communication set up
func NewMultimeter(addr string, serial bool, gpibAddr int) *Multimeter {
	term := &comm.Terminators{Rx: '\n', Tx: '\n'}
	cfg := makeSerConf(addr)
	rd := comm.NewRemoteDevice(addr, serial, term, cfg)
	rd.Timeout = 10 * time.Second
	return &Multimeter{RemoteDevice: &rd, GPIBAddr: gpibAddr}
}

func (m *Multimeter) open() error {
	wasOpen := m.RemoteDevice.Conn != nil
	if err := m.RemoteDevice.Open(); err != nil {
		return err
	}
	if !wasOpen {
		m.bridged = false
	}
	if m.GPIBAddr == 0 || m.bridged {
		return nil
	}
	for _, c := range []string{"++mode 1", "++auto 0", "++eoi 1", "++addr " + strconv.Itoa(m.GPIBAddr)} {
		if err := m.RemoteDevice.Send([]byte(c)); err != nil {
			return err
		}
	}
	m.bridged = true
	return nil
}

func (m *Multimeter) writeOnlyBus(ctx context.Context, cmds ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.RemoteDevice.Lock()
	defer m.RemoteDevice.Unlock()
	if err := m.open(); err != nil {
		return unavailable(err)
	}
	s := strings.Join(cmds, " ")
	if err := m.RemoteDevice.Send([]byte(s)); err != nil {
		m.RemoteDevice.Close()
		return unavailable(err)
	}
	return nil
}

func (m *Multimeter) readString(ctx context.Context, cmds ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.RemoteDevice.Lock()
	defer m.RemoteDevice.Unlock()
	if err := m.open(); err != nil {
		return "", unavailable(err)
	}
	s := strings.Join(cmds, " ")
	err := m.RemoteDevice.Send([]byte(s))
	if err == nil && m.GPIBAddr != 0 {
		err = m.RemoteDevice.Send([]byte("++read eoi"))
	}
	if err != nil {
		m.RemoteDevice.Close()
		return "", unavailable(err)
	}
	resp, err := m.RemoteDevice.Recv()
	if err != nil {
		m.RemoteDevice.Close()
		return "", unavailable(err)
	}
	return strings.TrimSpace(string(resp)), nil
}

func unavailable(err error) error {
	return errors.Wrap(acquisition.ErrUnavailable, err.Error())
}

// ConfigureCommands returns the command sequence preparing a triggered,
// fixed-range DC voltage acquisition of n readings into memory
func ConfigureCommands(p acquisition.Params, n int) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'G', -1, 64) }
	return []string{
		"PRESET NORM",
		"FUNC DCV",
		"TARM AUTO",
		"TRIG AUTO",
		"ARANGE OFF",
		"FIXEDZ ON",
		"RANGE " + f(p.Range),
		"MATH OFF",
		"AZERO ONCE",
		"DELAY 0",
		"MEM FIFO",
		"NPLC " + f(p.NPLC),
		"TRIG HOLD",
		"DIM Rdgs(" + strconv.Itoa(n) + ")",
		"INBUF ON",
		"NRDGS " + strconv.Itoa(n) + ",AUTO",
		"OFORMAT ASCII",
		"MFORMAT DREAL",
		"END ON",
	}
}

// Configure prepares an acquisition of p.Duration at p.NPLC and returns the
// number of readings it will hold.  A command the meter rejected is
// reported as an ErrDevice.
func (m *Multimeter) Configure(ctx context.Context, p acquisition.Params) (int, error) {
	n := acquisition.MultimeterReadings(p.Duration, p.NPLC)
	for _, c := range ConfigureCommands(p, n) {
		if err := m.writeOnlyBus(ctx, c); err != nil {
			return 0, err
		}
	}
	code, err := m.PopError(ctx)
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, ErrDevice{Code: code}
	}
	return n, nil
}

// Start clears the reading memory and issues a single trigger
func (m *Multimeter) Start(ctx context.Context) error {
	if err := m.writeOnlyBus(ctx, "MEM FIFO"); err != nil {
		return err
	}
	return m.writeOnlyBus(ctx, "TRIG SGL")
}

// DataCount returns the number of readings in memory
func (m *Multimeter) DataCount(ctx context.Context) (int, error) {
	resp, err := m.readString(ctx, "MCOUNT?")
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, unavailable(err)
	}
	return int(f), nil
}

// Fetch recalls n readings from memory, oldest first
func (m *Multimeter) Fetch(ctx context.Context, n int) ([]float64, error) {
	resp, err := m.readString(ctx, "RMEM 1,"+strconv.Itoa(n)+",1")
	if err != nil {
		return nil, err
	}
	buf, err := scpi.ParseFloats(resp)
	if err != nil {
		return nil, unavailable(err)
	}
	return buf, nil
}

// ErrDevice is a nonzero error register of the meter
type ErrDevice struct {
	Code int
}

func (e ErrDevice) Error() string {
	return "3458A error register " + strconv.Itoa(e.Code)
}

// PopError reads and clears the error register; zero means no error
func (m *Multimeter) PopError(ctx context.Context) (int, error) {
	resp, err := m.readString(ctx, "ERR?")
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(resp)
	if err != nil {
		return 0, unavailable(err)
	}
	return code, nil
}
