/*Package measure runs flip coil measurements.

A Sequencer owns the coil stage and the acquisition front end for the
duration of a run.  Each repetition triggers an acquisition, flips the coil
forward while the front end records, brings it back the same way, and records
the readout encoders on either side of each jog.  The forward stroke always
precedes the backward stroke; the settle between them lets the induced
transient decay before the return.

Cancellation is by context.  It is observed at the top of each repetition,
inside backlash removal, and in every dwell; a cancelled run returns
ErrAborted and its measurement must be discarded.
*/
package measure

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/acquisition"
	"github.com/nasa-jpl/flipcoil/data"
	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/util"
)

var (
	// ErrAborted is generated when a run is cancelled before it completes
	ErrAborted = fmt.Errorf("measurement aborted: %w", context.Canceled)

	// ErrBacklash is generated when backlash removal does not converge
	ErrBacklash = errors.New("backlash removal did not converge")
)

// speedScale converts rev/s to the controller's jog speed unit
const speedScale = 102.4

// Suspender is a background activity that must be quiet while a run holds
// the devices
type Suspender interface {
	Suspend()
	Resume()
}

// Timing holds the fixed dwells of a run
type Timing struct {
	// PreMotion is the pause between triggering the front end and the jog
	PreMotion time.Duration `json:"preMotion" yaml:"PreMotion" koanf:"PreMotion"`

	// Settle is the pause between the forward and backward strokes
	Settle time.Duration `json:"settle" yaml:"Settle" koanf:"Settle"`

	// InitialSettle is the pause after the first backlash removal
	InitialSettle time.Duration `json:"initialSettle" yaml:"InitialSettle" koanf:"InitialSettle"`

	// AcquirePoll is the period of the data count poll
	AcquirePoll time.Duration `json:"acquirePoll" yaml:"AcquirePoll" koanf:"AcquirePoll"`

	// AcquireMargin is added to the acquisition duration to bound the
	// data count poll
	AcquireMargin time.Duration `json:"acquireMargin" yaml:"AcquireMargin" koanf:"AcquireMargin"`

	// StepDwell is the pause around each jog of TestSteps
	StepDwell time.Duration `json:"stepDwell" yaml:"StepDwell" koanf:"StepDwell"`
}

// DefaultTiming is the timing used at the bench
func DefaultTiming() Timing {
	return Timing{
		PreMotion:     1 * time.Second,
		Settle:        10 * time.Second,
		InitialSettle: 10 * time.Second,
		AcquirePoll:   100 * time.Millisecond,
		AcquireMargin: 10 * time.Second,
		StepDwell:     5 * time.Second,
	}
}

// Backlash governs the backlash removal performed by a run
type Backlash struct {
	// ErrorLimit is the convergence tolerance, readout units
	ErrorLimit float64 `json:"errorLimit" yaml:"ErrorLimit" koanf:"ErrorLimit"`

	// MaxTries bounds the corrective approaches
	MaxTries int `json:"maxTries" yaml:"MaxTries" koanf:"MaxTries"`
}

// DefaultBacklash is the backlash removal used at the bench
func DefaultBacklash() Backlash {
	return Backlash{ErrorLimit: 2, MaxTries: 100}
}

// Sequencer runs measurements.  Stage and FrontEnd are required; the other
// fields are optional.
type Sequencer struct {
	Stage    *motion.Stage
	FrontEnd acquisition.FrontEnd

	// Poller is suspended for the duration of a run
	Poller Suspender

	Timing   Timing
	Backlash Backlash

	// Acquisition supplies the front end parameters not carried by the
	// measurement configuration (range, integrator time base)
	Acquisition acquisition.Params

	// Progress is called after each repetition
	Progress func(done, total int)

	Logger *log.Logger
}

func (s *Sequencer) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// abort converts a context error into ErrAborted, leaving others alone
func abort(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ErrAborted
	}
	return err
}

func (s *Sequencer) params(cfg data.MeasurementConfig) acquisition.Params {
	p := s.Acquisition
	p.Duration = util.SecsToDuration(cfg.Duration)
	p.NPLC = cfg.NPLC
	if cfg.Interval > 0 {
		p.Interval = time.Duration(cfg.Interval * float64(time.Millisecond))
	}
	return p
}

func (s *Sequencer) removeBacklash(ctx context.Context, cfg data.MeasurementConfig) error {
	ok, err := s.Stage.RemoveBacklash(ctx, cfg.StartPosition, s.Backlash.ErrorLimit, cfg.Direction.Sign(), s.Backlash.MaxTries)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.Wrapf(ErrBacklash, "start position %.1f after %d tries", cfg.StartPosition, s.Backlash.MaxTries)
	}
	return nil
}

// prepare opens the loops of the idle motors, sets the jog dynamics and
// takes up the backlash at the start position
func (s *Sequencer) prepare(ctx context.Context, cfg data.MeasurementConfig) error {
	if err := s.Stage.KillIdle(ctx); err != nil {
		return pkgerrors.Wrap(err, "killing idle motors")
	}
	jp := motion.JogParams{Speed: cfg.Speed * speedScale, AccelTime: cfg.Accel, JerkTime: cfg.Jerk}
	if err := s.Stage.SetJogParams(ctx, jp); err != nil {
		return pkgerrors.Wrap(err, "setting jog parameters")
	}
	return s.removeBacklash(ctx, cfg)
}

// stroke triggers an acquisition, jogs by steps while it records, and
// returns the buffer with the encoder positions either side of the jog
func (s *Sequencer) stroke(ctx context.Context, steps data.StepPair, expected int, timeout time.Duration) (buf []float64, before, after [2]float64, err error) {
	if err = s.FrontEnd.Start(ctx); err != nil {
		return nil, before, after, pkgerrors.Wrap(err, "starting acquisition")
	}
	if err = util.Sleep(ctx, s.Timing.PreMotion); err != nil {
		return nil, before, after, err
	}
	before[0], before[1], err = s.Stage.Readout(ctx)
	if err != nil {
		return nil, before, after, pkgerrors.Wrap(err, "reading position before jog")
	}
	if err = s.Stage.Jog(ctx, motion.Relative, steps.A, steps.B); err != nil {
		return nil, before, after, pkgerrors.Wrap(err, "jogging coil")
	}
	buf, err = acquisition.Await(ctx, s.FrontEnd, expected, s.Timing.AcquirePoll, timeout)
	if err != nil {
		return nil, before, after, err
	}
	if err = s.Stage.WaitStopped(ctx); err != nil {
		return nil, before, after, err
	}
	after[0], after[1], err = s.Stage.Readout(ctx)
	if err != nil {
		return nil, before, after, pkgerrors.Wrap(err, "reading position after jog")
	}
	return buf, before, after, nil
}

/*Run performs cfg.Repetitions forward/backward stroke pairs, filling the raw
buffers and position brackets of m.  m is not reduced.

Before the first repetition the jog dynamics are set from cfg and backlash
is removed at cfg.StartPosition.  At the top of each repetition the encoders
are checked; if either is more than cfg.MaxInitError from a whole revolution,
backlash is removed again.  A front end that can disconnect its input is
coupled for the run and grounded when Run returns.

Any error ends the run; m then holds an incomplete record.
*/
func (s *Sequencer) Run(ctx context.Context, cfg data.MeasurementConfig, m *data.MeasurementData) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.Poller != nil {
		s.Poller.Suspend()
		defer s.Poller.Resume()
	}
	defer func() { err = abort(ctx, err) }()

	expected, err := s.FrontEnd.Configure(ctx, s.params(cfg))
	if err != nil {
		return pkgerrors.Wrap(err, "configuring front end")
	}
	if c, ok := s.FrontEnd.(acquisition.Coupler); ok {
		if err := c.Couple(ctx, true); err != nil {
			return pkgerrors.Wrap(err, "coupling front end")
		}
		defer func() {
			if err := c.Couple(context.Background(), false); err != nil {
				s.logf("grounding front end input: %v", err)
			}
		}()
	}
	m.Integrated = acquisition.PreIntegrated(s.FrontEnd)
	timeout := util.SecsToDuration(cfg.Duration) + s.Timing.AcquireMargin
	s.logf("measuring %q: %d repetitions of %d samples", cfg.Name, cfg.Repetitions, expected)

	if err := s.prepare(ctx, cfg); err != nil {
		return err
	}
	if err := util.Sleep(ctx, s.Timing.InitialSettle); err != nil {
		return err
	}

	for i := 0; i < cfg.Repetitions; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := s.Stage.OutOfPosition(ctx, cfg.MaxInitError)
		if err != nil {
			return pkgerrors.Wrap(err, "checking start position")
		}
		if out {
			s.logf("repetition %d: coil out of position, removing backlash", i+1)
			if err := s.removeBacklash(ctx, cfg); err != nil {
				return err
			}
		}

		fwd, before, after, err := s.stroke(ctx, cfg.Forward, expected, timeout)
		if err != nil {
			return pkgerrors.Wrapf(err, "forward stroke %d", i+1)
		}
		m.Forward = append(m.Forward, fwd)
		m.ForwardA.Record(before[0], after[0])
		m.ForwardB.Record(before[1], after[1])

		if err := util.Sleep(ctx, s.Timing.Settle); err != nil {
			return err
		}

		bck, before, after, err := s.stroke(ctx, cfg.Backward, expected, timeout)
		if err != nil {
			return pkgerrors.Wrapf(err, "backward stroke %d", i+1)
		}
		m.Backward = append(m.Backward, bck)
		m.BackwardA.Record(before[0], after[0])
		m.BackwardB.Record(before[1], after[1])

		if s.Progress != nil {
			s.Progress(i+1, cfg.Repetitions)
		}
	}
	return nil
}

// StepTest is the outcome of TestSteps: the encoder positions after the
// forward and after the backward jog
type StepTest struct {
	Forward  [2]float64 `json:"forward"`
	Backward [2]float64 `json:"backward"`
}

// TestSteps removes backlash at the start position, then makes one forward
// and one backward jog of cfg without acquiring, reading the encoders after
// each.  It is used to tune the step pairs of a configuration.
func (s *Sequencer) TestSteps(ctx context.Context, cfg data.MeasurementConfig) (st StepTest, err error) {
	if err := cfg.Validate(); err != nil {
		return st, err
	}
	if s.Poller != nil {
		s.Poller.Suspend()
		defer s.Poller.Resume()
	}
	defer func() { err = abort(ctx, err) }()

	if err := s.prepare(ctx, cfg); err != nil {
		return st, err
	}
	if err := util.Sleep(ctx, s.Timing.StepDwell); err != nil {
		return st, err
	}
	jogs := []struct {
		steps data.StepPair
		out   *[2]float64
	}{{cfg.Forward, &st.Forward}, {cfg.Backward, &st.Backward}}
	for _, j := range jogs {
		if err := s.Stage.Move(ctx, motion.Relative, j.steps.A, j.steps.B); err != nil {
			return st, err
		}
		if err := util.Sleep(ctx, s.Timing.StepDwell); err != nil {
			return st, err
		}
		j.out[0], j.out[1], err = s.Stage.Readout(ctx)
		if err != nil {
			return st, err
		}
	}
	s.logf("test steps of %q: forward %.1f, %.1f; backward %.1f, %.1f",
		cfg.Name, st.Forward[0], st.Forward[1], st.Backward[0], st.Backward[1])
	return st, nil
}
