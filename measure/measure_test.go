package measure_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nasa-jpl/flipcoil/acquisition"
	"github.com/nasa-jpl/flipcoil/data"
	"github.com/nasa-jpl/flipcoil/measure"
	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/pmac"
	"github.com/nasa-jpl/flipcoil/util"
)

type suspender struct {
	suspended, resumed int
}

func (s *suspender) Suspend() { s.suspended++ }
func (s *suspender) Resume()  { s.resumed++ }

func fastStage(ctl motion.Controller) *motion.Stage {
	cfg := motion.DefaultConfig()
	cfg.CommandDwell = 0
	cfg.PollInterval = time.Millisecond
	cfg.Settle = 0
	cfg.StopTimeout = time.Second
	return motion.NewStage(ctl, cfg)
}

func fastTiming() measure.Timing {
	return measure.Timing{
		AcquirePoll:   time.Millisecond,
		AcquireMargin: time.Second,
	}
}

// halfTurn flips the coil by exactly 180000 mdeg each way
func halfTurn(reps int) data.MeasurementConfig {
	cfg := data.DefaultConfig()
	cfg.Forward = data.StepPair{A: -51200, B: 51200}
	cfg.Backward = data.StepPair{A: 51200, B: -51200}
	cfg.Repetitions = reps
	return cfg
}

func newSequencer(ctl *pmac.Mock, fe acquisition.FrontEnd) (*measure.Sequencer, *suspender) {
	p := &suspender{}
	return &measure.Sequencer{
		Stage:    fastStage(ctl),
		FrontEnd: fe,
		Poller:   p,
		Timing:   fastTiming(),
		Backlash: measure.DefaultBacklash(),
	}, p
}

func TestRunFillsBuffersAndBrackets(t *testing.T) {
	ctl := pmac.NewMock()
	ctl.MovingPolls = 1
	fe := acquisition.NewMock(1e-3)
	seq, poller := newSequencer(ctl, fe)
	var progress []int
	seq.Progress = func(done, total int) {
		if total != 3 {
			t.Errorf("expected a total of 3, got %d", total)
		}
		progress = append(progress, done)
	}
	cfg := halfTurn(3)
	m := data.NewMeasurement(cfg, "run", "", 0)
	if err := seq.Run(context.Background(), cfg, m); err != nil {
		t.Fatal(err)
	}
	if len(m.Forward) != 3 || len(m.Backward) != 3 {
		t.Fatalf("expected 3 columns each way, got %d and %d", len(m.Forward), len(m.Backward))
	}
	// 3 s at 2 PLC
	if len(m.Forward[0]) != 90 {
		t.Errorf("expected 90 samples, got %d", len(m.Forward[0]))
	}
	// the mock alternates pulse sign, forward first
	if m.Forward[0][50] <= 0 || m.Backward[0][50] >= 0 {
		t.Errorf("strokes out of order: forward %g, backward %g", m.Forward[0][50], m.Backward[0][50])
	}
	if fe.Starts() != 6 {
		t.Errorf("expected 6 acquisitions, got %d", fe.Starts())
	}
	for i := 0; i < 3; i++ {
		if math.Abs(m.ForwardA.Before[i]) > 2 || math.Abs(m.ForwardA.After[i]+180000) > 2 {
			t.Errorf("repetition %d: forward A bracket %g -> %g", i, m.ForwardA.Before[i], m.ForwardA.After[i])
		}
		if math.Abs(m.ForwardB.After[i]-180000) > 2 || math.Abs(m.BackwardB.After[i]) > 2 {
			t.Errorf("repetition %d: B brackets %g, %g", i, m.ForwardB.After[i], m.BackwardB.After[i])
		}
	}
	if len(progress) != 3 || progress[2] != 3 {
		t.Errorf("expected progress 1, 2, 3, got %v", progress)
	}
	if poller.suspended != 1 || poller.resumed != 1 {
		t.Errorf("expected the poller suspended and resumed once, got %d and %d", poller.suspended, poller.resumed)
	}
	if fe.Coupled() {
		t.Error("expected the front end input grounded after the run")
	}
	if ctl.Zeros() != 1 {
		t.Errorf("a coil returning to its start needs no further backlash removal, got %d", ctl.Zeros())
	}
	if jp := ctl.JogParams(5); jp.Speed != 2*102.4 || jp.AccelTime != -0.4 {
		t.Errorf("unexpected jog parameters %+v", jp)
	}
	if diff := cmp.Diff([]int{1, 2, 3, 4}, ctl.Killed()); diff != "" {
		t.Errorf("idle motors mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRemovesBacklashWhenOutOfPosition(t *testing.T) {
	ctl := pmac.NewMock()
	seq, _ := newSequencer(ctl, acquisition.NewMock(1e-3))
	cfg := halfTurn(2)
	// 10 steps short on the way back leaves the coil 35 mdeg off
	cfg.Backward = data.StepPair{A: 51190, B: -51190}
	m := data.NewMeasurement(cfg, "drift", "", 0)
	if err := seq.Run(context.Background(), cfg, m); err != nil {
		t.Fatal(err)
	}
	if ctl.Zeros() != 2 {
		t.Errorf("expected backlash removal at the start and before repetition 2, got %d", ctl.Zeros())
	}
}

func TestRunFailsWithoutConvergence(t *testing.T) {
	ctl := pmac.NewMock()
	ctl.Stuck[5] = true
	ctl.Place(5, 1000)
	fe := acquisition.NewMock(1e-3)
	seq, poller := newSequencer(ctl, fe)
	seq.Backlash.MaxTries = 3
	cfg := halfTurn(1)
	m := data.NewMeasurement(cfg, "stuck", "", 0)
	err := seq.Run(context.Background(), cfg, m)
	if !errors.Is(err, measure.ErrBacklash) {
		t.Fatalf("expected ErrBacklash, got %v", err)
	}
	if fe.Starts() != 0 || len(m.Forward) != 0 {
		t.Error("no acquisition may follow a failed backlash removal")
	}
	if poller.resumed != 1 {
		t.Error("expected the poller resumed after a failure")
	}
}

func TestRunCancelled(t *testing.T) {
	ctl := pmac.NewMock()
	fe := acquisition.NewMock(1e-3)
	seq, poller := newSequencer(ctl, fe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq.Progress = func(done, total int) {
		if done == 1 {
			cancel()
		}
	}
	cfg := halfTurn(5)
	m := data.NewMeasurement(cfg, "cancel", "", 0)
	err := seq.Run(ctx, cfg, m)
	if !errors.Is(err, measure.ErrAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if fe.Starts() != 2 {
		t.Errorf("expected no acquisition after the cancel, got %d", fe.Starts())
	}
	if poller.resumed != 1 || fe.Coupled() {
		t.Error("expected cleanup after a cancelled run")
	}
}

func TestRunAcquisitionTimeout(t *testing.T) {
	fe := acquisition.NewMock(1e-3)
	fe.Short = 5
	seq, _ := newSequencer(pmac.NewMock(), fe)
	seq.Timing.AcquireMargin = 0
	cfg := halfTurn(1)
	cfg.Duration = 0.05
	cfg.NPLC = 0.01
	err := seq.Run(context.Background(), cfg, data.NewMeasurement(cfg, "slow", "", 0))
	if !errors.Is(err, util.ErrTimeout) {
		t.Errorf("expected a timeout, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	seq, poller := newSequencer(pmac.NewMock(), acquisition.NewMock(1))
	cfg := halfTurn(0)
	err := seq.Run(context.Background(), cfg, &data.MeasurementData{})
	if !errors.Is(err, data.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if poller.suspended != 0 {
		t.Error("an invalid run must not touch the poller")
	}
}

func TestRunMarksIntegratedBuffers(t *testing.T) {
	fe := acquisition.NewMock(1e-3)
	fe.Integrated = true
	seq, _ := newSequencer(pmac.NewMock(), fe)
	cfg := halfTurn(1)
	m := data.NewMeasurement(cfg, "fdi", "", 0)
	if err := seq.Run(context.Background(), cfg, m); err != nil {
		t.Fatal(err)
	}
	if !m.Integrated {
		t.Error("expected the measurement marked as integrated")
	}
	// 3 s at 20 ms
	if len(m.Forward[0]) != 151 {
		t.Errorf("expected 151 samples, got %d", len(m.Forward[0]))
	}
}

func TestTestSteps(t *testing.T) {
	ctl := pmac.NewMock()
	seq, poller := newSequencer(ctl, acquisition.NewMock(1))
	st, err := seq.TestSteps(context.Background(), halfTurn(1))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(st.Forward[0]+180000) > 2 || math.Abs(st.Forward[1]-180000) > 2 {
		t.Errorf("unexpected forward position %v", st.Forward)
	}
	if math.Abs(st.Backward[0]) > 2 || math.Abs(st.Backward[1]) > 2 {
		t.Errorf("unexpected backward position %v", st.Backward)
	}
	if poller.suspended != 1 || poller.resumed != 1 {
		t.Error("expected the poller suspended for the test")
	}
}
