package testutil

import (
	"time"

	"github.com/hupe1980/telemetrymesh/core"
)

// SessionBuilder provides a fluent helper for constructing session snapshots
// in tests.
type SessionBuilder struct {
	session *core.Session
}

// NewSessionBuilder creates a builder for an app-launch session started at start.
func NewSessionBuilder(start time.Time) *SessionBuilder {
	return &SessionBuilder{session: core.NewSession(core.SessionSourceAppLaunch, start)}
}

// ID overrides the generated session id (chainable).
func (b *SessionBuilder) ID(id string) *SessionBuilder { b.session.ID = id; return b }

// Screens records the given screen views one second apart (chainable).
func (b *SessionBuilder) Screens(names ...string) *SessionBuilder {
	at := b.session.StartTime
	for _, n := range names {
		at = at.Add(time.Second)
		b.session.RecordScreenView(n, at)
	}
	return b
}

// Events records n tracked events against the session (chainable).
func (b *SessionBuilder) Events(n int) *SessionBuilder {
	for i := 0; i < n; i++ {
		b.session.RecordEvent(b.session.LastActivityTime)
	}
	return b
}

// Build returns the constructed session.
func (b *SessionBuilder) Build() *core.Session { return b.session }
