package util_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nasa-jpl/flipcoil/util"
)

func ExampleIntSliceToCSV() {
	fmt.Println(util.IntSliceToCSV([]int{5, 6, 7, 8}))
	// Output: 5,6,7,8
}

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestPollSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := util.Poll(context.Background(), time.Millisecond, time.Second, func() (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("no reply")
		}
		return calls >= 5, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected 5 calls, got %d", calls)
	}
}

func TestPollTimesOut(t *testing.T) {
	sentinel := errors.New("controller silent")
	err := util.Poll(context.Background(), time.Millisecond, 20*time.Millisecond, func() (bool, error) {
		return false, sentinel
	})
	if !errors.Is(err, util.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("expected the last condition error to be wrapped, got %v", err)
	}
}

func TestPollHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := util.Poll(ctx, time.Millisecond, time.Minute, func() (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := util.Sleep(ctx, time.Hour)
	if err == nil {
		t.Fatal("expected an error from a cancelled sleep")
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep did not return promptly")
	}
}
