/*Package fdi provides an interface to the FDI2056 fast digital integrator.

The integrator counts triggers from an internal timer and, in flux mode
(CALC:FLUX 1), accumulates the integral of its input across the whole
acquisition, so the buffer it returns is flux rather than voltage.
*/
package fdi

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/acquisition"
	"github.com/nasa-jpl/flipcoil/comm"
	"github.com/nasa-jpl/flipcoil/scpi"
)

const (
	// DefaultBaseFrequency is the trigger timer base, Hz
	DefaultBaseFrequency = 1000

	// DefaultInterval is the trigger interval
	DefaultInterval = 20 * time.Millisecond

	// Gain is the input amplifier gain used for coil signals
	Gain = 100

	// errorQueueDepth bounds the error queue read after configuration
	errorQueueDepth = 8
)

// Integrator is an FDI2056 and satisfies acquisition.FrontEnd,
// acquisition.Coupler and acquisition.Integrating
type Integrator struct {
	scpi.SCPI

	// Flux selects flux mode; the buffer is integrated on the device
	Flux bool
}

// NewIntegrator returns an Integrator at addr (host:port)
func NewIntegrator(addr string) *Integrator {
	term := &comm.Terminators{Tx: '\n', Rx: '\n'}
	rd := comm.NewRemoteDevice(addr, false, term, nil)
	return &Integrator{SCPI: scpi.SCPI{Dev: &rd}, Flux: true}
}

func (i *Integrator) write(ctx context.Context, cmds ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.Write(cmds...); err != nil {
		return unavailable(err)
	}
	return nil
}

// unavailable marks communication failures, leaving errors reported by the
// instrument itself as they are
func unavailable(err error) error {
	if _, ok := err.(scpi.ErrDevice); ok {
		return err
	}
	return errors.Wrap(acquisition.ErrUnavailable, err.Error())
}

// TriggerCommands returns the commands configuring the trigger timer for p
func TriggerCommands(p acquisition.Params) ([]string, int) {
	base := p.BaseFrequency
	if base <= 0 {
		base = DefaultBaseFrequency
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	counts := acquisition.IntegratorTriggers(p.Duration, interval)
	ecounts := int(interval.Seconds() * base)
	return []string{
		"TRIG:TIM " + strconv.FormatFloat(base, 'G', -1, 64) + " Hz",
		"TRIG:COUN " + strconv.Itoa(counts),
		"TRIG:ECO " + strconv.Itoa(ecounts),
	}, counts
}

// Configure sets the gain, the timer trigger source and the trigger count
// covering p.Duration, and returns the number of samples per acquisition.
// The error queue is drained afterwards; the first entry is returned as a
// scpi.ErrDevice.
func (i *Integrator) Configure(ctx context.Context, p acquisition.Params) (int, error) {
	flux := "0"
	if i.Flux {
		flux = "1"
	}
	trig, counts := TriggerCommands(p)
	cmds := []string{
		"INP:GAIN " + strconv.Itoa(Gain),
		"TRIG:SOUR TIM",
		"FORM:TIMESTAMP:ENABLE 0",
		trig[0],
		"CALC:FLUX " + flux,
		trig[1],
		trig[2],
	}
	for _, c := range cmds {
		if err := i.write(ctx, c); err != nil {
			return 0, err
		}
	}
	if errs := i.AllErrors(errorQueueDepth); len(errs) > 0 {
		return 0, unavailable(errs[0])
	}
	return counts, nil
}

// Close drops the connection to the integrator
func (i *Integrator) Close() error {
	return i.Dev.Close()
}

// Start arms the acquisition
func (i *Integrator) Start(ctx context.Context) error {
	return i.write(ctx, "INIT")
}

// DataCount returns the number of samples in the buffer
func (i *Integrator) DataCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := i.ReadInt("DATA:COUN?")
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// Fetch retrieves n samples
func (i *Integrator) Fetch(ctx context.Context, n int) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := i.ReadFloats(fmt.Sprintf("FETC:ARR? %d", n))
	if err != nil {
		return nil, unavailable(err)
	}
	return buf, nil
}

// Couple connects the coil to the input (DC coupling) or grounds the input
func (i *Integrator) Couple(ctx context.Context, on bool) error {
	if on {
		return i.write(ctx, "INP:COUP DC")
	}
	return i.write(ctx, "INP:COUP GND")
}

// PreIntegrated is true in flux mode
func (i *Integrator) PreIntegrated() bool {
	return i.Flux
}
