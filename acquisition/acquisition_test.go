package acquisition_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/flipcoil/acquisition"
	"github.com/nasa-jpl/flipcoil/util"
)

func ExampleMultimeterReadings() {
	fmt.Println(acquisition.MultimeterReadings(3*time.Second, 2))
	// Output: 90
}

func ExampleIntegratorTriggers() {
	fmt.Println(acquisition.IntegratorTriggers(3*time.Second, 50*time.Millisecond))
	// Output: 61
}

func TestMultimeterReadingsRoundsUp(t *testing.T) {
	cases := []struct {
		nplc float64
		want int
	}{{0.5, 360}, {1, 180}, {3, 60}, {7, 26}, {10, 18}}
	for _, c := range cases {
		if got := acquisition.MultimeterReadings(3*time.Second, c.nplc); got != c.want {
			t.Errorf("nplc %v: expected %d, got %d", c.nplc, c.want, got)
		}
	}
}

func TestAwaitToleratesShortCount(t *testing.T) {
	m := acquisition.NewMock(1)
	m.Short = 1
	m.Fill = 10
	ctx := context.Background()
	n, err := m.Configure(ctx, acquisition.Params{Duration: 3 * time.Second, NPLC: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	buf, err := acquisition.Await(ctx, m, n, time.Millisecond, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != n {
		t.Errorf("expected %d samples, got %d", n, len(buf))
	}
}

func TestAwaitTimesOut(t *testing.T) {
	m := acquisition.NewMock(1)
	m.Short = 2
	ctx := context.Background()
	n, _ := m.Configure(ctx, acquisition.Params{Duration: 3 * time.Second, NPLC: 2})
	m.Start(ctx)
	_, err := acquisition.Await(ctx, m, n, time.Millisecond, 20*time.Millisecond)
	if !errors.Is(err, util.ErrTimeout) {
		t.Errorf("expected a timeout, got %v", err)
	}
}

func TestMockAlternatesStrokes(t *testing.T) {
	m := acquisition.NewMock(2)
	ctx := context.Background()
	n, _ := m.Configure(ctx, acquisition.Params{Duration: 3 * time.Second, NPLC: 2})
	var peaks []float64
	for i := 0; i < 2; i++ {
		m.Start(ctx)
		buf, err := acquisition.Await(ctx, m, n, time.Millisecond, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		peaks = append(peaks, buf[50])
	}
	if peaks[0] != 2 || peaks[1] != -2 {
		t.Errorf("expected pulses of +2 then -2, got %v", peaks)
	}
}

func TestStartBeforeConfigure(t *testing.T) {
	m := acquisition.NewMock(1)
	if err := m.Start(context.Background()); !errors.Is(err, acquisition.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestPreIntegrated(t *testing.T) {
	m := acquisition.NewMock(1)
	if acquisition.PreIntegrated(m) {
		t.Error("a voltage mock is not pre-integrated")
	}
	m.Integrated = true
	if !acquisition.PreIntegrated(m) {
		t.Error("an integrating mock is pre-integrated")
	}
}
