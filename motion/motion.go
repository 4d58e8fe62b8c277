// Package motion contains the capability interface for the coil drive
// controller and the control loops that position the coil with it.
package motion

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is generated when the controller did not answer or
// answered with something unparseable.  Control loops treat it as
// "ask again", never as a zero reading.
var ErrUnavailable = errors.New("motion controller unavailable")

// Mode selects how a jog value is interpreted
type Mode int

const (
	// Relative jogs move by the given number of steps
	Relative Mode = iota

	// Absolute jogs move to the given step position
	Absolute
)

func (m Mode) String() string {
	switch m {
	case Relative:
		return "relative"
	case Absolute:
		return "absolute"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Jog is a motion request for one motor, in steps
type Jog struct {
	Motor int
	Steps int
}

// Controller describes the rudimentary capabilities of the coil drive controller.
// Jog is non-blocking: motion proceeds on the device after it returns.
type Controller interface {
	// Jog sends one command moving every listed motor
	Jog(ctx context.Context, mode Mode, jogs ...Jog) error

	// Positions returns one encoder position per requested motor, in order
	Positions(ctx context.Context, motors ...int) ([]float64, error)

	// Stopped reports if the motor's desired velocity is zero
	Stopped(ctx context.Context, motor int) (bool, error)

	// DefineZero makes the current position of each motor its zero
	DefineZero(ctx context.Context, motors ...int) error
}

// JogParams are the jog dynamics of a drive motor
type JogParams struct {
	// Speed in controller units per millisecond
	Speed float64 `json:"speed" yaml:"Speed"`

	// AccelTime in ms; negative values are interpreted by the controller as
	// an acceleration rate instead of a time
	AccelTime float64 `json:"accelTime" yaml:"AccelTime"`

	// JerkTime in ms
	JerkTime float64 `json:"jerkTime" yaml:"JerkTime"`
}

// JogTuner is a controller whose jog dynamics can be configured
type JogTuner interface {
	SetJogParams(ctx context.Context, motor int, p JogParams) error
}

// Killer is a controller that can open the servo loop of motors
type Killer interface {
	Kill(ctx context.Context, motors ...int) error
}
