package motion_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/pmac"
	"github.com/nasa-jpl/flipcoil/util"
)

func fastConfig() motion.Config {
	cfg := motion.DefaultConfig()
	cfg.CommandDwell = 0
	cfg.PollInterval = time.Millisecond
	cfg.Settle = 0
	cfg.StopTimeout = time.Second
	return cfg
}

func TestRemoveBacklashTakesUpDeadBand(t *testing.T) {
	mock := pmac.NewMock()
	mock.Backlash = 30
	mock.MovingPolls = 2
	stage := motion.NewStage(mock, fastConfig())
	ok, err := stage.RemoveBacklash(context.Background(), 0, 2, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected convergence")
	}
	a, b, err := stage.Readout(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(a) > 2 || math.Abs(b) > 2 {
		t.Errorf("expected both encoders within 2 of zero, got %f, %f", a, b)
	}
	if mock.Zeros() != 1 {
		t.Errorf("expected drive zero to be defined once, got %d", mock.Zeros())
	}
}

func TestRemoveBacklashToNonzeroTarget(t *testing.T) {
	mock := pmac.NewMock()
	stage := motion.NewStage(mock, fastConfig())
	ok, err := stage.RemoveBacklash(context.Background(), 1000, 2, -1, 10)
	if err != nil || !ok {
		t.Fatalf("expected convergence, got %v, %v", ok, err)
	}
	a, b, _ := stage.Readout(context.Background())
	if math.Abs(-1000-a) > 2 || math.Abs(1000-b) > 2 {
		t.Errorf("expected encoders at -1000 and 1000, got %f, %f", a, b)
	}
}

func TestRemoveBacklashExhaustsTries(t *testing.T) {
	mock := pmac.NewMock()
	mock.Stuck[5] = true
	stage := motion.NewStage(mock, fastConfig())
	const tries = 4
	ok, err := stage.RemoveBacklash(context.Background(), 1000, 2, 1, tries)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a stuck encoder cannot converge")
	}
	// two jogs for the first approach, then two per correction
	if got, want := mock.Jogs(), 2+2*tries; got != want {
		t.Errorf("expected %d jogs, got %d", want, got)
	}
	if mock.Zeros() != 0 {
		t.Error("zero must not be defined without convergence")
	}
}

func TestRemoveBacklashCancelled(t *testing.T) {
	mock := pmac.NewMock()
	mock.Backlash = 30
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mock.OnJog = func(n int) {
		if n == 3 {
			cancel()
		}
	}
	stage := motion.NewStage(mock, fastConfig())
	ok, err := stage.RemoveBacklash(ctx, 0, 2, 1, 10)
	if ok {
		t.Error("cancelled removal reported success")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if mock.Jogs() != 3 {
		t.Errorf("expected no jogs after cancellation, got %d total", mock.Jogs())
	}
	if mock.Zeros() != 0 {
		t.Error("zero must not be defined after cancellation")
	}
}

func TestWaitStoppedTimesOut(t *testing.T) {
	mock := pmac.NewMock()
	mock.MovingPolls = 1 << 30
	cfg := fastConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	stage := motion.NewStage(mock, cfg)
	err := stage.Move(context.Background(), motion.Relative, 10, 10)
	if !errors.Is(err, util.ErrTimeout) {
		t.Errorf("expected a timeout, got %v", err)
	}
}

func TestReadoutRetriesUnavailable(t *testing.T) {
	mock := pmac.NewMock()
	mock.Place(5, 284)
	mock.FailReads = 2
	stage := motion.NewStage(mock, fastConfig())
	a, _, err := stage.Readout(context.Background())
	if err != nil {
		t.Fatalf("expected the read to be retried, got %v", err)
	}
	if math.Abs(a-998.4375) > 1e-6 {
		t.Errorf("expected 998.4375, got %f", a)
	}
}

func TestReadoutGivesUp(t *testing.T) {
	mock := pmac.NewMock()
	mock.FailReads = 100
	stage := motion.NewStage(mock, fastConfig())
	_, _, err := stage.Readout(context.Background())
	if !errors.Is(err, motion.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestTryReadoutDoesNotBlock(t *testing.T) {
	mock := pmac.NewMock()
	mock.MovingPolls = 1 << 30
	cfg := fastConfig()
	cfg.StopTimeout = 200 * time.Millisecond
	stage := motion.NewStage(mock, cfg)
	done := make(chan struct{})
	go func() {
		stage.Move(context.Background(), motion.Relative, 10, 10)
		close(done)
	}()
	// wait for the move to hold the stage
	for mock.Jogs() == 0 {
		time.Sleep(time.Millisecond)
	}
	_, _, ok, err := stage.TryReadout(context.Background())
	if ok || err != nil {
		t.Errorf("expected a busy stage to be skipped, got ok=%v err=%v", ok, err)
	}
	<-done
	_, _, ok, err = stage.TryReadout(context.Background())
	if !ok || err != nil {
		t.Errorf("expected an idle stage to be read, got ok=%v err=%v", ok, err)
	}
}

func TestOutOfPosition(t *testing.T) {
	mock := pmac.NewMock()
	stage := motion.NewStage(mock, fastConfig())
	out, err := stage.OutOfPosition(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if out {
		t.Error("zero should be in position")
	}
	mock.Place(6, 10)
	out, _ = stage.OutOfPosition(context.Background(), 2)
	if !out {
		t.Error("10 steps off should be out of position")
	}
}

func TestAlignMotors(t *testing.T) {
	mock := pmac.NewMock()
	mock.Place(5, 1000)
	mock.Place(6, -700)
	stage := motion.NewStage(mock, fastConfig())
	p := motion.DefaultAlignParams()
	// one step is 3.5 encoder units, so the tolerance must exceed it
	p.Limit = 5
	p.Interval = 0
	ok, err := stage.AlignMotors(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected alignment to converge")
	}
	a, b, _ := stage.Readout(context.Background())
	if math.Abs(a) > p.Limit || math.Abs(b) > p.Limit {
		t.Errorf("expected both encoders within %f of zero, got %f, %f", p.Limit, a, b)
	}
}

func TestAlignMotorsExhausts(t *testing.T) {
	mock := pmac.NewMock()
	mock.Place(5, 1000)
	mock.Stuck[5] = true
	stage := motion.NewStage(mock, fastConfig())
	p := motion.DefaultAlignParams()
	p.Interval = 0
	p.MaxTries = 3
	ok, err := stage.AlignMotors(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected alignment to fail with a stuck encoder")
	}
}

func TestSetJogParams(t *testing.T) {
	mock := pmac.NewMock()
	stage := motion.NewStage(mock, fastConfig())
	p := motion.JogParams{Speed: 204.8, AccelTime: -0.4}
	if err := stage.SetJogParams(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	for _, m := range []int{5, 6} {
		if got := mock.JogParams(m); got != p {
			t.Errorf("motor %d: expected %+v, got %+v", m, p, got)
		}
	}
}

func TestKillIdle(t *testing.T) {
	mock := pmac.NewMock()
	stage := motion.NewStage(mock, fastConfig())
	if err := stage.KillIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := mock.Killed()
	if len(got) != 4 || got[0] != 1 || got[3] != 4 {
		t.Errorf("expected motors 1 to 4 killed, got %v", got)
	}

	cfg := fastConfig()
	cfg.Idle = nil
	mock = pmac.NewMock()
	if err := motion.NewStage(mock, cfg).KillIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(mock.Killed()) != 0 {
		t.Errorf("expected nothing killed without idle motors, got %v", mock.Killed())
	}
}
