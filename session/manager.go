package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/internal/clock"
	"github.com/hupe1980/telemetrymesh/logging"
)

// DefaultTimeout is the idle duration after which a session ends.
const DefaultTimeout = 30 * time.Minute

// Options configures a Manager.
type Options struct {
	// Timeout is the idle window. Defaults to DefaultTimeout.
	Timeout time.Duration
	// Clock supplies time and timers. Defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to NoOp.
	Logger logging.Logger
	// OnStarted is called with a snapshot of every newly started session.
	OnStarted func(session *core.Session)
	// OnEnded is called with the final snapshot of every ended session,
	// including idle-timeout ends.
	OnEnded func(session *core.Session)
}

// Manager owns the single mutable "current session" and serializes every
// mutation behind one mutex.
//
// Lifecycle: Start ends any active session first, so at most one session is
// active at a time and each session ends exactly once. The idle timer runs on
// wall-clock time from its last (re)arm; recording activity updates
// LastActivityTime but deliberately does not extend the timer. Only a
// foreground transition re-arms it. Backgrounding ends the session; a
// foreground arriving while a session is still active (the host skipped the
// background callback) either renews the timer or rolls the session over
// when the idle window has passed.
//
// Every mutation persists a snapshot under the current-session storage key,
// so a crash at any point loses at most the mutation in flight. Restore
// adopts a persisted session younger than the timeout and discards anything
// older.
type Manager struct {
	storage core.Storage
	clk     clock.Clock
	logger  logging.Logger
	timeout time.Duration

	onStarted func(session *core.Session)
	onEnded   func(session *core.Session)

	mu      sync.Mutex
	current *core.Session
	timer   clock.Timer
	closed  bool
}

// NewManager creates a session manager backed by the given storage.
func NewManager(storage core.Storage, optFns ...func(o *Options)) *Manager {
	opts := Options{
		Timeout: DefaultTimeout,
		Clock:   clock.New(),
		Logger:  logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Manager{
		storage:   storage,
		clk:       opts.Clock,
		logger:    opts.Logger,
		timeout:   opts.Timeout,
		onStarted: opts.OnStarted,
		onEnded:   opts.OnEnded,
	}
}

// Restore adopts a persisted session if it is still younger than the idle
// timeout, re-arming its timer. Anything else (ended, stale, corrupt) is
// discarded. Returns true when a session was restored.
func (m *Manager) Restore(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.current != nil {
		return false
	}

	data, err := m.storage.Get(ctx, core.StorageKeyCurrentSession)
	if err != nil {
		m.logger.Warn("session read failed", "error", err)
		return false
	}
	if data == nil {
		return false
	}

	var restored core.Session
	if err := json.Unmarshal(data, &restored); err != nil {
		m.logger.Warn("discarding corrupt session snapshot", "error", err)
		_ = m.storage.Delete(ctx, core.StorageKeyCurrentSession)
		return false
	}

	if restored.Ended() || restored.IdleFor(m.clk.Now()) >= m.timeout {
		m.logger.Debug("discarding stale session", "session_id", restored.ID)
		_ = m.storage.Delete(ctx, core.StorageKeyCurrentSession)
		return false
	}

	m.current = &restored
	m.armTimerLocked(restored.ID)
	m.logger.Info("session restored", "session_id", restored.ID)
	return true
}

// Start begins a new session from the given source, ending any active one
// first. Returns a snapshot of the new session.
func (m *Manager) Start(ctx context.Context, source core.SessionSource) *core.Session {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	ended := m.endLocked(ctx)

	now := m.clk.Now()
	m.current = core.NewSession(source, now)
	m.persistLocked(ctx)
	m.armTimerLocked(m.current.ID)
	started := m.current.Clone()
	m.mu.Unlock()

	m.logger.Info("session started", "session_id", started.ID, "source", string(source))
	m.notifyEnded(ended)
	if m.onStarted != nil {
		m.onStarted(started)
	}
	return started
}

// End finishes the active session: sets the end time, computes the duration,
// clears the durable slot and cancels the idle timer. Returns the final
// snapshot, or nil when no session was active.
func (m *Manager) End(ctx context.Context) *core.Session {
	m.mu.Lock()
	ended := m.endLocked(ctx)
	m.mu.Unlock()

	m.notifyEnded(ended)
	return ended
}

// HandleForeground processes an app-foreground transition. A missing or
// timed-out session is replaced; an active one is renewed.
func (m *Manager) HandleForeground(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	if m.current != nil && m.current.IdleFor(now) < m.timeout {
		m.current.Touch(now)
		m.persistLocked(ctx)
		m.armTimerLocked(m.current.ID)
		sid := m.current.ID
		m.mu.Unlock()
		m.logger.Debug("session renewed on foreground", "session_id", sid)
		return
	}
	m.mu.Unlock()

	m.Start(ctx, core.SessionSourceForegroundTimeout)
}

// HandleBackground processes an app-background or terminate transition by
// ending the session.
func (m *Manager) HandleBackground(ctx context.Context) {
	m.End(ctx)
}

// RecordScreenView appends a screen to the session and bumps its counters.
func (m *Manager) RecordScreenView(ctx context.Context, name string) {
	m.mutate(ctx, func(s *core.Session, now time.Time) { s.RecordScreenView(name, now) })
}

// RecordEvent bumps the tracked-event counter.
func (m *Manager) RecordEvent(ctx context.Context) {
	m.mutate(ctx, func(s *core.Session, now time.Time) { s.RecordEvent(now) })
}

// RecordInteraction bumps the interaction counter.
func (m *Manager) RecordInteraction(ctx context.Context) {
	m.mutate(ctx, func(s *core.Session, now time.Time) { s.RecordInteraction(now) })
}

// RecordInterruption bumps the interruption counter.
func (m *Manager) RecordInterruption(ctx context.Context) {
	m.mutate(ctx, func(s *core.Session, now time.Time) { s.RecordInterruption(now) })
}

// UpdateScrollDepth raises the max scroll depth watermark.
func (m *Manager) UpdateScrollDepth(ctx context.Context, depth float64) {
	m.mutate(ctx, func(s *core.Session, now time.Time) { s.UpdateScrollDepth(depth, now) })
}

// CurrentID returns the active session id, or nil when none is active.
func (m *Manager) CurrentID() *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	id := m.current.ID
	return &id
}

// Snapshot returns a clone of the active session, or nil.
func (m *Manager) Snapshot() *core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Clone()
}

// Close cancels the idle timer and rejects further mutations. It does not
// end the session; callers that want a final record end it first.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.stopTimerLocked()
}

// mutate applies fn to the active session and persists the result. A missing
// session makes it a no-op.
func (m *Manager) mutate(ctx context.Context, fn func(s *core.Session, now time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.current == nil {
		return
	}
	fn(m.current, m.clk.Now())
	m.persistLocked(ctx)
}

// endLocked finishes the current session and returns its final snapshot.
func (m *Manager) endLocked(ctx context.Context) *core.Session {
	if m.current == nil {
		return nil
	}

	m.stopTimerLocked()
	m.current.End(m.clk.Now())
	ended := m.current.Clone()
	m.current = nil

	if err := m.storage.Delete(ctx, core.StorageKeyCurrentSession); err != nil {
		m.logger.Warn("session slot delete failed", "error", err)
	}

	m.logger.Info("session ended", "session_id", ended.ID, "duration", ended.Duration)
	return ended
}

// armTimerLocked (re)arms the idle timer for the session with the given id.
// The callback verifies the id so a stale fire after a rollover is a no-op.
func (m *Manager) armTimerLocked(sessionID string) {
	m.stopTimerLocked()
	m.timer = m.clk.AfterFunc(m.timeout, func() {
		m.handleIdleTimeout(sessionID)
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) handleIdleTimeout(sessionID string) {
	m.mu.Lock()
	if m.closed || m.current == nil || m.current.ID != sessionID {
		m.mu.Unlock()
		return
	}
	m.logger.Info("session idle timeout", "session_id", sessionID)
	ended := m.endLocked(context.Background())
	m.mu.Unlock()

	m.notifyEnded(ended)
}

func (m *Manager) persistLocked(ctx context.Context) {
	data, err := json.Marshal(m.current)
	if err != nil {
		m.logger.Error("session marshal failed", "session_id", m.current.ID, "error", err)
		return
	}
	if err := m.storage.Put(ctx, core.StorageKeyCurrentSession, data); err != nil {
		m.logger.Warn("session persist failed, in-memory state stays authoritative", "error", err)
	}
}

func (m *Manager) notifyEnded(ended *core.Session) {
	if ended != nil && m.onEnded != nil {
		m.onEnded(ended)
	}
}
