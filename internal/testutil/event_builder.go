package testutil

import (
	"time"

	"github.com/hupe1980/telemetrymesh/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder().Name("purchase").Prop("value", core.Double(9.99)).Session("s-1").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	name      string
	sessionID *string
	props     core.Properties
}

// NewEventBuilder creates a builder with default name "test_event".
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{name: "test_event", props: core.Properties{}}
}

// Name sets the event name (chainable).
func (b *EventBuilder) Name(n string) *EventBuilder { b.name = n; return b }

// Session sets the session id pointer (chainable).
func (b *EventBuilder) Session(id string) *EventBuilder { b.sessionID = &id; return b }

// Prop adds a single property (chainable).
func (b *EventBuilder) Prop(key string, v core.Value) *EventBuilder {
	b.props[key] = v
	return b
}

// Build constructs the core.Event value.
func (b *EventBuilder) Build() core.Event {
	props := b.props
	if len(props) == 0 {
		props = nil
	}
	ev := core.NewEvent(b.name, props)
	ev.SessionID = b.sessionID
	return ev
}

// BuildQueued wraps the built event for queue tests.
func (b *EventBuilder) BuildQueued(enqueuedAt time.Time) core.QueuedEvent {
	return core.NewQueuedEvent(b.Build(), enqueuedAt)
}
