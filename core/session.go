package core

import "time"

// SessionSource identifies what caused a session to start.
type SessionSource string

const (
	// SessionSourceAppLaunch marks sessions started by a cold app launch.
	SessionSourceAppLaunch SessionSource = "app_launch"
	// SessionSourceForegroundTimeout marks sessions started because the app
	// returned to foreground after the idle timeout elapsed.
	SessionSourceForegroundTimeout SessionSource = "foreground_timeout"
	// SessionSourceManual marks sessions started explicitly by the host.
	SessionSourceManual SessionSource = "manual"
)

// Session is the mutable activity aggregate owned by the session manager.
// At most one non-ended session exists per process and a session transitions
// to ended exactly once. The struct itself carries no locking; the manager
// serializes all mutations.
//
// The JSON shape is the durable snapshot written under the current-session
// storage key, so renaming fields changes the restore format.
type Session struct {
	ID                string        `json:"id"`
	StartTime         time.Time     `json:"start_time"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	Duration          time.Duration `json:"duration,omitempty"`
	Source            SessionSource `json:"source"`
	LastActivityTime  time.Time     `json:"last_activity_time"`
	ScreenCount       int           `json:"screen_count"`
	EventCount        int           `json:"event_count"`
	InteractionCount  int           `json:"interaction_count"`
	InterruptionCount int           `json:"interruption_count"`
	MaxScrollDepth    float64       `json:"max_scroll_depth"`
	ScreensViewed     []string      `json:"screens_viewed,omitempty"`
}

// NewSession creates an active session starting at now.
func NewSession(source SessionSource, now time.Time) *Session {
	return &Session{
		ID:               NewID(),
		StartTime:        now,
		Source:           source,
		LastActivityTime: now,
	}
}

// Ended reports whether the session has been closed.
func (s *Session) Ended() bool { return s.EndTime != nil }

// End closes the session at now, computing the final duration. Ending an
// already ended session is a no-op and returns false.
func (s *Session) End(now time.Time) bool {
	if s.Ended() {
		return false
	}
	end := now
	s.EndTime = &end
	s.Duration = end.Sub(s.StartTime)
	return true
}

// Touch refreshes the last-activity marker.
func (s *Session) Touch(now time.Time) { s.LastActivityTime = now }

// RecordScreenView appends the screen name (duplicates allowed, order kept)
// and bumps the screen counter.
func (s *Session) RecordScreenView(name string, now time.Time) {
	s.ScreenCount++
	s.ScreensViewed = append(s.ScreensViewed, name)
	s.Touch(now)
}

// RecordEvent bumps the event counter.
func (s *Session) RecordEvent(now time.Time) {
	s.EventCount++
	s.Touch(now)
}

// RecordInteraction bumps the interaction counter.
func (s *Session) RecordInteraction(now time.Time) {
	s.InteractionCount++
	s.Touch(now)
}

// RecordInterruption bumps the interruption counter (calls, alerts, app
// switches reported by the host).
func (s *Session) RecordInterruption(now time.Time) {
	s.InterruptionCount++
	s.Touch(now)
}

// UpdateScrollDepth retains the maximum observed scroll depth.
func (s *Session) UpdateScrollDepth(depth float64, now time.Time) {
	if depth > s.MaxScrollDepth {
		s.MaxScrollDepth = depth
	}
	s.Touch(now)
}

// IdleFor returns the elapsed wall-clock time since the last activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityTime)
}

// Clone returns a deep copy of the session safe for use outside the
// manager's writer lane (fact snapshots, hooks).
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndTime != nil {
		end := *s.EndTime
		cp.EndTime = &end
	}
	cp.ScreensViewed = append([]string(nil), s.ScreensViewed...)
	return &cp
}
