// Package clock abstracts wall time and timers so that debounce windows,
// idle eviction and retry backoff can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the callback already ran
	// or the timer was already stopped.
	Stop() bool
}

// Clock is the time source used by the relay components.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
