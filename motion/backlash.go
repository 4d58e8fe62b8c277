package motion

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/nasa-jpl/flipcoil/mathx"
	"github.com/nasa-jpl/flipcoil/util"
)

/*RemoveBacklash brings the coil to target (readout units) so that both ends
approach it from a consistent side, taking up the gear backlash.

Drive A is driven to -target and drive B to +target; the two ends of the coil
turn in opposite senses.  sign selects the sense of approach (+1 or -1).  Each
attempt overshoots by the configured overtravel with an absolute jog, then
comes back with a relative jog whose length is corrected by the residual error
read on the encoders.  When both encoders are within errLimit of their
targets, the drive motors' current positions are defined as zero and true is
returned.  After maxTries corrections without convergence false is returned.

Cancelling ctx ends the loop before the next jog is issued and its error is
returned.  A move already commanded is not stopped on the device.
*/
func (s *Stage) RemoveBacklash(ctx context.Context, target, errLimit float64, sign, maxTries int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sign >= 0 {
		sign = 1
	} else {
		sign = -1
	}
	spu := s.cfg.StepsPerUnit
	over := s.cfg.Overtravel
	tgt := mathx.Steps(target, spu)

	approach := func(da, db int) error {
		err := s.move(ctx, Absolute, sign*(over-tgt), sign*(tgt-over))
		if err != nil {
			return err
		}
		return s.move(ctx, Relative, sign*da, sign*db)
	}

	da, db := -over, over
	if err := approach(da, db); err != nil {
		return false, err
	}
	pa, pb, err := s.readout(ctx)
	if err != nil {
		return false, err
	}
	within := func() bool {
		return math.Abs(-target-pa) <= errLimit && math.Abs(target-pb) <= errLimit
	}
	tries := 0
	for !within() {
		if tries >= maxTries {
			log.Printf("backlash removal to %.1f did not converge after %d tries, residuals %.1f, %.1f",
				target, tries, -target-pa, target-pb)
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		da += sign * mathx.Steps(-target-pa, spu)
		db += sign * mathx.Steps(target-pb, spu)
		if err := approach(da, db); err != nil {
			return false, err
		}
		pa, pb, err = s.readout(ctx)
		if err != nil {
			return false, err
		}
		tries++
	}
	if err := s.ctl.DefineZero(ctx, s.cfg.DriveA, s.cfg.DriveB); err != nil {
		return false, err
	}
	return true, nil
}

// AlignParams govern AlignMotors
type AlignParams struct {
	// Limit is the in-position tolerance, readout units
	Limit float64 `json:"limit" yaml:"Limit" koanf:"Limit"`

	// MaxTries bounds the number of corrective jogs
	MaxTries int `json:"maxTries" yaml:"MaxTries" koanf:"MaxTries"`

	// BackSteps is the offset from zero, in steps, the motors are parked at
	// before approaching
	BackSteps int `json:"backSteps" yaml:"BackSteps" koanf:"BackSteps"`

	// StepFactor is the fraction of the residual error corrected per jog
	StepFactor float64 `json:"stepFactor" yaml:"StepFactor" koanf:"StepFactor"`

	// Interval is the pause after each jog
	Interval time.Duration `json:"interval" yaml:"Interval" koanf:"Interval"`
}

// DefaultAlignParams are the parameters used at the bench
func DefaultAlignParams() AlignParams {
	return AlignParams{
		Limit:      2,
		MaxTries:   100,
		BackSteps:  200,
		StepFactor: 0.7,
		Interval:   3 * time.Second,
	}
}

// minAlignStep is the smallest jog the controller reliably executes;
// shorter non-zero steps are rounded up to a single step
const minAlignStep = 5

func alignStep(pos, spu, factor float64) int {
	st := int(math.Floor(-spu * pos * factor))
	if st != 0 && mathx.Abs(st) < minAlignStep {
		return mathx.Sign(float64(st))
	}
	return st
}

/*AlignMotors drives both readout encoders to zero by proportional steps.

The motors are first parked BackSteps either side of zero, then each jog
corrects StepFactor of the remaining error.  A motor already within Limit is
not moved.  If both motors are out of position and either has crossed zero
since parking, they are parked again.  It returns true when both encoders are
within Limit, false when MaxTries jogs did not get there.
*/
func (s *Stage) AlignMotors(ctx context.Context, p AlignParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	spu := s.cfg.StepsPerUnit
	in := func(x float64) bool { return math.Abs(x) <= p.Limit }

	park := func() (float64, float64, error) {
		pa, pb, err := s.readout(ctx)
		if err != nil {
			return 0, 0, err
		}
		sa := p.BackSteps - mathx.Steps(pa, spu)
		sb := -p.BackSteps - mathx.Steps(pb, spu)
		if err := s.move(ctx, Relative, sa, sb); err != nil {
			return 0, 0, err
		}
		if err := util.Sleep(ctx, p.Interval); err != nil {
			return 0, 0, err
		}
		return s.readout(ctx)
	}

	pa, pb, err := park()
	if err != nil {
		return false, err
	}
	signA, signB := mathx.Sign(pa), mathx.Sign(pb)
	for tries := 0; tries < p.MaxTries; tries++ {
		if in(pa) && in(pb) {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		var sa, sb int
		if !in(pa) {
			sa = alignStep(pa, spu, p.StepFactor)
		}
		if !in(pb) {
			sb = alignStep(pb, spu, p.StepFactor)
		}
		if err := s.move(ctx, Relative, sa, sb); err != nil {
			return false, err
		}
		if err := util.Sleep(ctx, p.Interval); err != nil {
			return false, err
		}
		pa, pb, err = s.readout(ctx)
		if err != nil {
			return false, err
		}
		crossed := mathx.Sign(pa) != signA || mathx.Sign(pb) != signB
		if !in(pa) && !in(pb) && crossed {
			log.Printf("alignment overshot zero (%.1f, %.1f), parking again", pa, pb)
			pa, pb, err = park()
			if err != nil {
				return false, err
			}
			signA, signB = mathx.Sign(pa), mathx.Sign(pb)
		}
	}
	return in(pa) && in(pb), nil
}
