/*Package pmac provides an interface to Delta Tau Power PMAC motion controllers
over their ASCII command port.

Commands are newline terminated.  The controller echoes each command and ends
every reply with an ACK (0x06) byte, so every exchange, queries and writes
alike, is a SendRecv and the echo is stripped from the front of the reply.
*/
package pmac

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/flipcoil/comm"
	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/util"
)

const (
	// ACK terminates every reply from the controller
	ACK = 0x06

	// the controller answers quickly, but a jog with a long queue may take a
	// moment to be acknowledged
	timeout = 5 * time.Second
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: timeout}
}

// Controller is a Power PMAC, and satisfies motion.Controller,
// motion.JogTuner and motion.Killer
type Controller struct {
	*comm.RemoteDevice
}

// NewController returns a Controller at addr, which is host:port for
// network connections or a device path for serial connections
func NewController(addr string, serial bool) *Controller {
	term := &comm.Terminators{Tx: '\n', Rx: ACK}
	rd := comm.NewRemoteDevice(addr, serial, term, makeSerConf(addr))
	rd.Timeout = timeout
	return &Controller{&rd}
}

// Raw sends a command and returns the reply with the echo and framing removed.
// A reply reporting a controller error is returned as an error.
func (c *Controller) Raw(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := c.RemoteDevice.Open(); err != nil {
		return "", errors.Wrap(motion.ErrUnavailable, err.Error())
	}
	resp, err := c.RemoteDevice.SendRecv([]byte(cmd))
	if err != nil {
		// a late reply would be read as the answer to the next command
		c.RemoteDevice.Close()
		return "", errors.Wrapf(motion.ErrUnavailable, "%s: %v", cmd, err)
	}
	s := clean(string(resp), cmd)
	if strings.Contains(strings.ToLower(s), "error") {
		return s, fmt.Errorf("%s: %s", cmd, s)
	}
	return s, nil
}

// clean strips the command echo and line framing from a reply
func clean(resp, cmd string) string {
	if i := strings.LastIndex(resp, cmd); i >= 0 {
		resp = resp[i+len(cmd):]
	}
	return strings.Trim(resp, "\r\n\x06 ")
}

// JogString builds a single command line jogging each motor.  Motors are
// separated by semicolons so they start together.
func JogString(mode motion.Mode, jogs ...motion.Jog) string {
	op := "j^"
	if mode == motion.Absolute {
		op = "j="
	}
	pieces := make([]string, len(jogs))
	for i, j := range jogs {
		pieces[i] = "#" + strconv.Itoa(j.Motor) + op + strconv.Itoa(j.Steps)
	}
	return strings.Join(pieces, ";")
}

// Jog commands a jog of every listed motor and returns without waiting for
// motion to complete
func (c *Controller) Jog(ctx context.Context, mode motion.Mode, jogs ...motion.Jog) error {
	if len(jogs) == 0 {
		return nil
	}
	_, err := c.Raw(ctx, JogString(mode, jogs...))
	return err
}

// Positions reads the position of each motor with a single query
func (c *Controller) Positions(ctx context.Context, motors ...int) ([]float64, error) {
	cmd := "#" + util.IntSliceToCSV(motors) + "p"
	resp, err := c.Raw(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return parsePositions(resp, len(motors))
}

func parsePositions(resp string, n int) ([]float64, error) {
	fields := strings.Fields(resp)
	if len(fields) != n {
		return nil, errors.Wrapf(motion.ErrUnavailable, "expected %d positions, got %q", n, resp)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, errors.Wrapf(motion.ErrUnavailable, "position %q: %v", f, err)
		}
		out[i] = v
	}
	return out, nil
}

// Stopped queries Motor[n].DesVelZero
func (c *Controller) Stopped(ctx context.Context, motor int) (bool, error) {
	cmd := fmt.Sprintf("Motor[%d].DesVelZero", motor)
	resp, err := c.Raw(ctx, cmd)
	if err != nil {
		return false, err
	}
	return parseFlag(resp)
}

func parseFlag(resp string) (bool, error) {
	if i := strings.LastIndexByte(resp, '='); i >= 0 {
		resp = resp[i+1:]
	}
	resp = strings.TrimSpace(resp)
	i, err := strconv.Atoi(resp)
	if err != nil {
		return false, errors.Wrapf(motion.ErrUnavailable, "flag %q", resp)
	}
	return i != 0, nil
}

// DefineZero sets the current position of each motor as its zero
func (c *Controller) DefineZero(ctx context.Context, motors ...int) error {
	for _, m := range motors {
		if _, err := c.Raw(ctx, "#"+strconv.Itoa(m)+"hmz"); err != nil {
			return err
		}
	}
	return nil
}

// Kill opens the servo loop of the listed motors
func (c *Controller) Kill(ctx context.Context, motors ...int) error {
	_, err := c.Raw(ctx, "#"+util.IntSliceToCSV(motors)+"k")
	return err
}

// JogParamString builds the command setting the jog dynamics of a motor
func JogParamString(motor int, p motion.JogParams) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'G', -1, 64) }
	return fmt.Sprintf("Motor[%[1]d].JogSpeed=%[2]s;Motor[%[1]d].JogTa=%[3]s;Motor[%[1]d].JogTs=%[4]s",
		motor, f(p.Speed), f(p.AccelTime), f(p.JerkTime))
}

// SetJogParams configures the jog speed, acceleration and jerk time of a motor
func (c *Controller) SetJogParams(ctx context.Context, motor int, p motion.JogParams) error {
	_, err := c.Raw(ctx, JogParamString(motor, p))
	return err
}
