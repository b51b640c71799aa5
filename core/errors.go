package core

import "errors"

var (
	// ErrClosed is returned by entry points invoked after shutdown.
	ErrClosed = errors.New("telemetry core closed")

	// ErrEmptyEventName is returned when an event is tracked without a name.
	ErrEmptyEventName = errors.New("event name must not be empty")

	// ErrUnauthorized indicates the backend rejected the SDK's credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRuleNotFound is returned when removing an unknown rule id.
	ErrRuleNotFound = errors.New("rule not found")
)
