package clock

import (
	"context"
	"sync"
	"time"
)

// Manual is a Clock whose time only moves when Advance or Set is called.
// Due timer callbacks run synchronously inside Advance (after the lock is
// released), so a test that advances past a deadline observes the full effect
// of the callback before Advance returns.
type Manual struct {
	mu       sync.Mutex
	now      time.Time
	timers   []*manualTimer
	tickers  []*manualTicker
	sleepers []*sleeper
}

// NewManual creates a manual clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current frozen instant.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves time forward by d, firing everything that became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.advanceToLocked(m.now.Add(d))
}

// Set moves time to t (earlier instants are ignored) and fires everything
// that became due.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.advanceToLocked(t)
}

// advanceToLocked requires the lock held on entry and releases it before
// invoking callbacks, so callbacks may schedule new timers.
func (m *Manual) advanceToLocked(t time.Time) {
	if t.After(m.now) {
		m.now = t
	}
	due := m.collectDueLocked()
	m.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

func (m *Manual) collectDueLocked() []func() {
	var fire []func()
	now := m.now

	remaining := m.timers[:0]
	for _, tm := range m.timers {
		if !tm.stopped && !tm.deadline.After(now) {
			tm.stopped = true
			fire = append(fire, tm.fn)
			continue
		}
		remaining = append(remaining, tm)
	}
	m.timers = remaining

	for _, tk := range m.tickers {
		for !tk.stopped && !tk.next.After(now) {
			select {
			case tk.ch <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.interval)
		}
	}

	waiting := m.sleepers[:0]
	for _, s := range m.sleepers {
		if !s.deadline.After(now) {
			close(s.ch)
			continue
		}
		waiting = append(waiting, s)
	}
	m.sleepers = waiting

	return fire
}

// AfterFunc schedules fn to run when the clock reaches now+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm := &manualTimer{clock: m, deadline: m.now.Add(d), fn: fn}
	m.timers = append(m.timers, tm)
	return tm
}

// NewTicker returns a ticker that emits one tick per crossed interval on
// Advance. Ticks are coalesced when the channel is not drained.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk := &manualTicker{clock: m, next: m.now.Add(d), interval: d, ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, tk)
	return tk
}

// Sleep blocks until the clock advances past now+d or ctx is done.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	if d <= 0 {
		m.mu.Unlock()
		return nil
	}
	s := &sleeper{deadline: m.now.Add(d), ch: make(chan struct{})}
	m.sleepers = append(m.sleepers, s)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ch:
		return nil
	}
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	found := false
	for _, existing := range t.clock.timers {
		if existing == t {
			found = true
			break
		}
	}
	if !found {
		t.clock.timers = append(t.clock.timers, t)
	}
	return wasActive
}

type manualTicker struct {
	clock    *Manual
	next     time.Time
	interval time.Duration
	ch       chan time.Time
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type sleeper struct {
	deadline time.Time
	ch       chan struct{}
}
