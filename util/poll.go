package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrTimeout is generated when a Poll does not observe its condition before the deadline
var ErrTimeout = errors.New("timed out waiting for condition")

var errNotYet = errors.New("condition not met")

// TimeoutError is returned by Poll on exhaustion.  It carries the last error
// reported by the condition, if there was one.
type TimeoutError struct {
	After time.Duration
	Last  error
}

func (e *TimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("timed out after %s, last error: %v", e.After, e.Last)
	}
	return fmt.Sprintf("timed out after %s", e.After)
}

// Is makes errors.Is(err, ErrTimeout) true for a *TimeoutError
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.Last
}

// Poll calls cond every interval until it reports true, the context is done,
// or timeout elapses.  An error from cond does not stop the poll; devices
// that drop a reply are asked again on the next tick.  On exhaustion the
// returned error satisfies errors.Is(err, ErrTimeout).
func Poll(ctx context.Context, interval, timeout time.Duration, cond func() (bool, error)) error {
	start := time.Now()
	var last error
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if time.Since(start) > timeout {
			return backoff.Permanent(&TimeoutError{After: timeout, Last: last})
		}
		ok, err := cond()
		if err != nil {
			last = err
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Sleep pauses for d or until ctx is done, whichever is first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
