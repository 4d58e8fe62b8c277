package pmac

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/motion"
)

/*Mock is a simulated controller with gear backlash between the drive motors
and the readout encoders.

Each readout encoder follows the drive motor it is coupled to through a dead
band of Backlash steps: the mechanism is pushed along only once the commanded
position leaves the dead band, so after a reversal the encoder lags the motor.
The encoder reads mechanism steps / StepsPerUnit.
*/
type Mock struct {
	sync.Mutex

	// StepsPerUnit converts encoder units to steps
	StepsPerUnit float64

	// Backlash is the dead band, in steps
	Backlash int

	// Coupling maps each readout encoder to the drive motor turning it
	Coupling map[int]int

	// MovingPolls is the number of Stopped queries answering false after
	// each jog
	MovingPolls int

	// Stuck drive motors accept commands but the mechanism does not follow
	Stuck map[int]bool

	// FailReads is the number of Positions calls that will fail with
	// motion.ErrUnavailable before the mock answers again
	FailReads int

	// OnJog, if not nil, is called after each jog with the running jog count
	OnJog func(n int)

	cmd    map[int]int // commanded position, steps from power-on
	mech   map[int]int // position of the driven mechanism, steps
	zero   map[int]int // commanded position defined as zero
	moving map[int]int
	params map[int]motion.JogParams
	killed []int
	jogs   int
	zeros  int
}

// NewMock returns a Mock with the bench coupling (5 drives 7, 6 drives 8)
// and no backlash
func NewMock() *Mock {
	return &Mock{
		StepsPerUnit: motion.DefaultConfig().StepsPerUnit,
		Coupling:     map[int]int{7: 5, 8: 6},
		Stuck:        make(map[int]bool),
		cmd:          make(map[int]int),
		mech:         make(map[int]int),
		zero:         make(map[int]int),
		moving:       make(map[int]int),
		params:       make(map[int]motion.JogParams)}
}

// Jog moves the motors instantly; Stopped reports motion for MovingPolls queries
func (m *Mock) Jog(ctx context.Context, mode motion.Mode, jogs ...motion.Jog) error {
	m.Lock()
	for _, j := range jogs {
		target := m.cmd[j.Motor] + j.Steps
		if mode == motion.Absolute {
			target = m.zero[j.Motor] + j.Steps
		}
		m.drive(j.Motor, target)
		m.moving[j.Motor] = m.MovingPolls
	}
	m.jogs++
	n := m.jogs
	hook := m.OnJog
	m.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (m *Mock) drive(motor, target int) {
	prev := m.cmd[motor]
	m.cmd[motor] = target
	if m.Stuck[motor] {
		return
	}
	mech := m.mech[motor]
	switch {
	case target > prev && target-m.Backlash > mech:
		mech = target - m.Backlash
	case target < prev && target+m.Backlash < mech:
		mech = target + m.Backlash
	}
	m.mech[motor] = mech
}

// Positions returns encoder units for readout encoders and steps relative to
// zero for any other motor
func (m *Mock) Positions(ctx context.Context, motors ...int) ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.FailReads > 0 {
		m.FailReads--
		return nil, errors.Wrap(motion.ErrUnavailable, "mock read failure")
	}
	out := make([]float64, len(motors))
	for i, n := range motors {
		drive, ok := m.Coupling[n]
		if !ok {
			out[i] = float64(m.cmd[n] - m.zero[n])
			continue
		}
		out[i] = float64(m.mech[drive]) / m.StepsPerUnit
	}
	return out, nil
}

// Stopped is false for MovingPolls queries after a jog of the motor
func (m *Mock) Stopped(ctx context.Context, motor int) (bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.moving[motor] > 0 {
		m.moving[motor]--
		return false, nil
	}
	return true, nil
}

// DefineZero makes the commanded position of each motor its zero
func (m *Mock) DefineZero(ctx context.Context, motors ...int) error {
	m.Lock()
	defer m.Unlock()
	for _, n := range motors {
		m.zero[n] = m.cmd[n]
	}
	m.zeros++
	return nil
}

// SetJogParams records the jog dynamics of a motor
func (m *Mock) SetJogParams(ctx context.Context, motor int, p motion.JogParams) error {
	m.Lock()
	defer m.Unlock()
	m.params[motor] = p
	return nil
}

// Kill records the motors whose servo loop was opened
func (m *Mock) Kill(ctx context.Context, motors ...int) error {
	m.Lock()
	defer m.Unlock()
	m.killed = append(m.killed, motors...)
	return nil
}

// Place puts the mechanism driven by motor at steps, as if moved by hand
func (m *Mock) Place(motor, steps int) {
	m.Lock()
	defer m.Unlock()
	m.cmd[motor] = steps
	m.mech[motor] = steps
}

// Jogs returns the number of jog commands received
func (m *Mock) Jogs() int {
	m.Lock()
	defer m.Unlock()
	return m.jogs
}

// Zeros returns the number of DefineZero calls received
func (m *Mock) Zeros() int {
	m.Lock()
	defer m.Unlock()
	return m.zeros
}

// JogParams returns the last jog dynamics set for a motor
func (m *Mock) JogParams(motor int) motion.JogParams {
	m.Lock()
	defer m.Unlock()
	return m.params[motor]
}

// Killed returns every motor Kill was called with, in order
func (m *Mock) Killed() []int {
	m.Lock()
	defer m.Unlock()
	return append([]int(nil), m.killed...)
}
