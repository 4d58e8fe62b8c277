package poller_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nasa-jpl/flipcoil/motion"
	"github.com/nasa-jpl/flipcoil/pmac"
	"github.com/nasa-jpl/flipcoil/poller"
)

type reader struct {
	sync.Mutex
	a, b  float64
	busy  bool
	err   error
	reads int
}

func (r *reader) TryReadout(ctx context.Context) (float64, float64, bool, error) {
	r.Lock()
	defer r.Unlock()
	if r.busy {
		return 0, 0, false, nil
	}
	r.reads++
	return r.a, r.b, true, r.err
}

func TestPollPublishes(t *testing.T) {
	src := &reader{a: 1.5, b: -2}
	reg := prometheus.NewRegistry()
	p := poller.New(src, time.Second, reg)
	ch, unsub := p.Subscribe()
	defer unsub()
	if !p.Poll(context.Background()) {
		t.Fatal("expected a reading")
	}
	select {
	case r := <-ch:
		if r.A != 1.5 || r.B != -2 || r.Err != "" {
			t.Errorf("unexpected reading %+v", r)
		}
	default:
		t.Fatal("expected the subscriber to receive the reading")
	}
	if n, err := testutil.GatherAndCount(reg, "flipcoil_readout_position_mdeg"); err != nil || n != 2 {
		t.Errorf("expected a gauge per encoder, got %d", n)
	}
}

func TestPollSkipsWhenSuspendedOrBusy(t *testing.T) {
	src := &reader{}
	p := poller.New(src, time.Second, nil)
	p.Suspend()
	p.Suspend()
	p.Resume()
	if p.Poll(context.Background()) || src.reads != 0 {
		t.Error("a suspended poller must not read")
	}
	p.Resume()
	src.busy = true
	if p.Poll(context.Background()) {
		t.Error("a busy source must be skipped")
	}
	src.busy = false
	if !p.Poll(context.Background()) {
		t.Error("expected a reading after resume")
	}
}

func TestPollKeepsLastOnError(t *testing.T) {
	src := &reader{a: 10, b: 20}
	p := poller.New(src, time.Second, nil)
	p.Poll(context.Background())
	src.a, src.err = 99, errors.New("no reply")
	p.Poll(context.Background())
	r := p.Last()
	if r.A != 10 || r.Err == "" {
		t.Errorf("expected the previous position flagged with the error, got %+v", r)
	}
}

func TestUnsubscribeCloses(t *testing.T) {
	p := poller.New(&reader{}, time.Second, nil)
	ch, unsub := p.Subscribe()
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Error("expected a closed channel")
	}
	p.Poll(context.Background())
}

func TestPollerYieldsToStage(t *testing.T) {
	mock := pmac.NewMock()
	mock.Place(5, 512)
	stage := motion.NewStage(mock, motion.DefaultConfig())
	p := poller.New(stage, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)
	if r := p.Last(); math.Abs(r.A-1800) > 1e-6 {
		t.Errorf("expected encoder A at 1800, got %+v", r)
	}
}
