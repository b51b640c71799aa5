package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is the primary unit of collection. It is created once by the
// orchestrator at track time and treated as immutable afterwards: the device
// snapshot is attached at creation and never refreshed, and the session/user
// identifiers capture the state of the world when the event happened, not
// when it is eventually delivered.
type Event struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	SessionID  *string           `json:"session_id,omitempty"`
	UserID     *string           `json:"user_id,omitempty"`
	Properties Properties        `json:"properties,omitempty"`
	Device     DeviceSnapshot    `json:"device"`
	Location   *LocationSnapshot `json:"location,omitempty"`
}

// NewEvent creates an event with a fresh id and UTC timestamp. Session, user
// and snapshot context is stamped by the orchestrator before enqueueing.
func NewEvent(name string, props Properties) Event {
	return Event{
		ID:         NewID(),
		Name:       name,
		Timestamp:  time.Now().UTC(),
		Properties: props,
	}
}

// NewID generates a new unique identifier for events, sessions and rules.
func NewID() string { return uuid.NewString() }

// Property returns the named property value and whether it is present.
func (e Event) Property(key string) (Value, bool) {
	v, ok := e.Properties[key]
	return v, ok
}

// Clone returns a deep copy safe for independent mutation.
func (e Event) Clone() Event {
	cp := e
	if e.Properties != nil {
		cp.Properties = Clone(e.Properties).(Map)
	}
	if e.Location != nil {
		loc := *e.Location
		cp.Location = &loc
	}
	return cp
}

// QueuedEvent wraps an Event with delivery bookkeeping. An event present in
// the durable queue reaches exactly one of delivered or dropped; attempts
// count every batch the event was part of, successful or not.
type QueuedEvent struct {
	Event            Event     `json:"event"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	DeliveryAttempts int       `json:"delivery_attempts"`
}

// NewQueuedEvent wraps an event for queueing, stamping the enqueue time.
func NewQueuedEvent(ev Event, now time.Time) QueuedEvent {
	return QueuedEvent{Event: ev, EnqueuedAt: now}
}

// Clone returns a deep copy safe for independent mutation.
func (q QueuedEvent) Clone() QueuedEvent {
	cp := q
	cp.Event = q.Event.Clone()
	return cp
}
