// Package acquisition describes the instruments that digitize the coil signal
// during a stroke: a multimeter sampling voltage, or an integrator reporting
// flux directly.
package acquisition

import (
	"context"
	"errors"
	"math"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/util"
)

var (
	// ErrUnavailable is generated when the instrument did not answer or
	// answered with something unparseable
	ErrUnavailable = errors.New("acquisition front end unavailable")

	// ErrNotConfigured is generated when Start or Fetch is called before Configure
	ErrNotConfigured = errors.New("front end has not been configured")
)

// Params describe one acquisition window.  A front end uses the fields that
// apply to it.
type Params struct {
	// Duration is the total acquisition window
	Duration time.Duration

	// NPLC is the multimeter integration time, in power line cycles
	NPLC float64

	// Range is the multimeter range in volts; 0 selects the lowest range
	Range float64

	// Interval is the integrator trigger interval
	Interval time.Duration

	// BaseFrequency is the integrator timer base, Hz
	BaseFrequency float64
}

// FrontEnd is an instrument that records one buffer per software trigger.
// Start returns as soon as the trigger is accepted; acquisition proceeds
// on the device.
type FrontEnd interface {
	// Configure prepares the instrument and returns the number of samples
	// each acquisition will produce
	Configure(ctx context.Context, p Params) (int, error)

	// Start issues the software trigger
	Start(ctx context.Context) error

	// DataCount returns the number of samples currently in the buffer
	DataCount(ctx context.Context) (int, error)

	// Fetch retrieves n samples from the buffer
	Fetch(ctx context.Context, n int) ([]float64, error)
}

// Coupler is a front end whose input can be disconnected from the coil
type Coupler interface {
	// Couple connects the coil (true) or grounds the input (false)
	Couple(ctx context.Context, on bool) error
}

// Integrating is implemented by front ends that may report flux instead of
// voltage
type Integrating interface {
	PreIntegrated() bool
}

// PreIntegrated reports if the samples from fe are already integrated
func PreIntegrated(fe FrontEnd) bool {
	if i, ok := fe.(Integrating); ok {
		return i.PreIntegrated()
	}
	return false
}

// MultimeterReadings is the number of readings a multimeter takes in total
// at an integration time of nplc power line cycles (60 Hz)
func MultimeterReadings(total time.Duration, nplc float64) int {
	return int(math.Ceil(total.Seconds() / (nplc / 60)))
}

// IntegratorTriggers is the number of triggers an integrator needs to cover
// total at one trigger per interval, counting the trigger at t=0
func IntegratorTriggers(total, interval time.Duration) int {
	return 1 + int(total/interval)
}

// Await polls fe every interval until it holds at least expected-1 samples,
// then fetches expected samples.  Some instruments report one sample fewer
// than they hold near completion, hence the allowance.  The wait is bounded
// by timeout; exhaustion is reported as util.ErrTimeout.
func Await(ctx context.Context, fe FrontEnd, expected int, interval, timeout time.Duration) ([]float64, error) {
	err := util.Poll(ctx, interval, timeout, func() (bool, error) {
		n, err := fe.DataCount(ctx)
		if err != nil {
			return false, err
		}
		return n >= expected-1, nil
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "awaiting %d samples", expected)
	}
	return fe.Fetch(ctx, expected)
}
