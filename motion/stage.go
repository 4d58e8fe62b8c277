package motion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/nasa-jpl/flipcoil/util"
)

// Config describes the mechanics of the coil assembly
type Config struct {
	// DriveA and DriveB are the motors turning the two ends of the coil
	DriveA int `json:"driveA" yaml:"DriveA" koanf:"DriveA"`
	DriveB int `json:"driveB" yaml:"DriveB" koanf:"DriveB"`

	// ReadA and ReadB are the encoders coupled to the coil, which are read
	// instead of the drive motors themselves
	ReadA int `json:"readA" yaml:"ReadA" koanf:"ReadA"`
	ReadB int `json:"readB" yaml:"ReadB" koanf:"ReadB"`

	// StepsPerUnit converts readout units (mdeg) to drive steps
	StepsPerUnit float64 `json:"stepsPerUnit" yaml:"StepsPerUnit" koanf:"StepsPerUnit"`

	// Revolution is one full turn in readout units
	Revolution float64 `json:"revolution" yaml:"Revolution" koanf:"Revolution"`

	// Overtravel is how far past the target, in steps, backlash removal drives
	// before approaching
	Overtravel int `json:"overtravel" yaml:"Overtravel" koanf:"Overtravel"`

	// CommandDwell is the pause after a jog before the first stop poll
	CommandDwell time.Duration `json:"commandDwell" yaml:"CommandDwell" koanf:"CommandDwell"`

	// PollInterval is the period of the stop poll
	PollInterval time.Duration `json:"pollInterval" yaml:"PollInterval" koanf:"PollInterval"`

	// Settle is the pause after motion stops before positions are trusted
	Settle time.Duration `json:"settle" yaml:"Settle" koanf:"Settle"`

	// StopTimeout bounds the wait for a move to finish
	StopTimeout time.Duration `json:"stopTimeout" yaml:"StopTimeout" koanf:"StopTimeout"`

	// Idle motors share the controller but not the coil; their servo loops
	// are opened before a measurement so they cannot hunt during it
	Idle []int `json:"idle" yaml:"Idle" koanf:"Idle"`
}

// DefaultConfig is the configuration of the flip coil bench
func DefaultConfig() Config {
	return Config{
		DriveA:       5,
		DriveB:       6,
		ReadA:        7,
		ReadB:        8,
		StepsPerUnit: 102400. / 360000.,
		Revolution:   360000,
		Overtravel:   10000,
		CommandDwell: 100 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		Settle:       1 * time.Second,
		StopTimeout:  60 * time.Second,
		Idle:         []int{1, 2, 3, 4},
	}
}

// Stage is the two-motor coil assembly.  All exported methods serialize on an
// internal mutex so a multi-command exchange (jog then poll, or a whole
// backlash loop) is never interleaved with a background position read.
type Stage struct {
	ctl Controller
	cfg Config
	mu  sync.Mutex
}

// NewStage returns a Stage driving ctl
func NewStage(ctl Controller, cfg Config) *Stage {
	return &Stage{ctl: ctl, cfg: cfg}
}

// Config returns the mechanical configuration of the stage
func (s *Stage) Config() Config {
	return s.cfg
}

// Jog sends a jog to both drive motors and returns without waiting
func (s *Stage) Jog(ctx context.Context, mode Mode, a, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jog(ctx, mode, a, b)
}

// Move jogs both drive motors and waits for them to stop and settle
func (s *Stage) Move(ctx context.Context, mode Mode, a, b int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(ctx, mode, a, b)
}

// WaitStopped blocks until both drive motors report zero desired velocity,
// then dwells for the settle time
func (s *Stage) WaitStopped(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitStopped(ctx)
}

// Readout returns the positions of the two readout encoders
func (s *Stage) Readout(ctx context.Context) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readout(ctx)
}

// TryReadout is Readout, but returns ok=false instead of blocking when
// another caller holds the stage
func (s *Stage) TryReadout(ctx context.Context) (a, b float64, ok bool, err error) {
	if !s.mu.TryLock() {
		return 0, 0, false, nil
	}
	defer s.mu.Unlock()
	a, b, err = s.readout(ctx)
	return a, b, true, err
}

// OutOfPosition reads the encoders and reports if either is further than
// limit from a whole number of revolutions
func (s *Stage) OutOfPosition(ctx context.Context, limit float64) (bool, error) {
	a, b, err := s.Readout(ctx)
	if err != nil {
		return false, err
	}
	rev := s.cfg.Revolution
	return math.Mod(math.Abs(a), rev) > limit || math.Mod(math.Abs(b), rev) > limit, nil
}

// SetJogParams configures the jog dynamics of both drive motors.  It is a
// no-op for controllers that do not implement JogTuner.
func (s *Stage) SetJogParams(ctx context.Context, p JogParams) error {
	tuner, ok := s.ctl.(JogTuner)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range []int{s.cfg.DriveA, s.cfg.DriveB} {
		if err := tuner.SetJogParams(ctx, m, p); err != nil {
			return err
		}
	}
	return nil
}

// KillIdle opens the servo loop of the idle motors.  It is a no-op for
// controllers that do not implement Killer.
func (s *Stage) KillIdle(ctx context.Context) error {
	killer, ok := s.ctl.(Killer)
	if !ok || len(s.cfg.Idle) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return killer.Kill(ctx, s.cfg.Idle...)
}

func (s *Stage) jog(ctx context.Context, mode Mode, a, b int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ctl.Jog(ctx, mode, Jog{Motor: s.cfg.DriveA, Steps: a}, Jog{Motor: s.cfg.DriveB, Steps: b})
}

func (s *Stage) move(ctx context.Context, mode Mode, a, b int) error {
	if err := s.jog(ctx, mode, a, b); err != nil {
		return err
	}
	return s.waitStopped(ctx)
}

func (s *Stage) waitStopped(ctx context.Context) error {
	if err := util.Sleep(ctx, s.cfg.CommandDwell); err != nil {
		return err
	}
	drives := []int{s.cfg.DriveA, s.cfg.DriveB}
	err := util.Poll(ctx, s.cfg.PollInterval, s.cfg.StopTimeout, func() (bool, error) {
		for _, m := range drives {
			stopped, err := s.ctl.Stopped(ctx, m)
			if err != nil {
				if errors.Is(err, ErrUnavailable) {
					log.Printf("stop poll of motor %d: %v", m, err)
				}
				return false, err
			}
			if !stopped {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, util.ErrTimeout) {
			return pkgerrors.Wrap(err, fmt.Sprintf("waiting for motors %d and %d to stop", drives[0], drives[1]))
		}
		return err
	}
	return util.Sleep(ctx, s.cfg.Settle)
}

// readRetries is the number of times a failed position read is repeated
// before the failure is returned
const readRetries = 3

func (s *Stage) readout(ctx context.Context) (float64, float64, error) {
	var err error
	for i := 0; i <= readRetries; i++ {
		if i > 0 {
			log.Printf("position read of motors %d and %d: %v", s.cfg.ReadA, s.cfg.ReadB, err)
			if err := util.Sleep(ctx, s.cfg.PollInterval); err != nil {
				return 0, 0, err
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		var pos []float64
		pos, err = s.ctl.Positions(ctx, s.cfg.ReadA, s.cfg.ReadB)
		if err != nil {
			if !errors.Is(err, ErrUnavailable) {
				return 0, 0, err
			}
			continue
		}
		if len(pos) != 2 {
			err = pkgerrors.Wrapf(ErrUnavailable, "expected 2 positions, got %d", len(pos))
			continue
		}
		return pos[0], pos[1], nil
	}
	return 0, 0, err
}
