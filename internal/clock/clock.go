// Package clock abstracts wall-clock access and timer scheduling so
// components with time-driven behavior (session idle timeout, flush cycles,
// consent TTL, retry backoff) stay deterministic under test. Production code
// uses the real clock; tests drive a manual clock forward explicitly instead
// of sleeping.
package clock

import (
	"context"
	"time"
)

// Timer is a one-shot scheduled callback. A stopped timer is a no-op when it
// would have fired; Stop and Reset report whether the timer was still pending.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers periodic ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock is the time source and scheduler used by all time-driven components.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	NewTicker(d time.Duration) Ticker
	// Sleep blocks for d or until ctx is done, returning ctx.Err in the
	// latter case. Retry backoff waits go through here.
	Sleep(ctx context.Context, d time.Duration) error
}

// New returns the real wall-clock implementation.
func New() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool                 { return r.t.Stop() }
func (r realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
