package core

import (
	"context"
	"time"
)

// DeviceSnapshot captures stable device identity and environment facts. It is
// attached to every event at creation and exposed to the rule engine through
// appState conditions.
type DeviceSnapshot struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
	Model      string `json:"model"`
	Locale     string `json:"locale"`
}

// LocationSnapshot is a point-in-time location fix supplied by the host's
// location collaborator. The core never touches sensors itself.
type LocationSnapshot struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// DeviceInfoProvider supplies the device snapshot stamped onto events.
type DeviceInfoProvider interface {
	Snapshot() DeviceSnapshot
}

// LocationProvider supplies the current location fix, or nil when no fix is
// available (permissions, sensors off). Implementations should return fast;
// the core calls this on the tracking path.
type LocationProvider interface {
	Current(ctx context.Context) (*LocationSnapshot, error)
}

// StaticDeviceInfo is a DeviceInfoProvider backed by a fixed snapshot. Hosts
// whose device facts never change at runtime can use it directly.
type StaticDeviceInfo DeviceSnapshot

// Snapshot implements the DeviceInfoProvider interface.
func (s StaticDeviceInfo) Snapshot() DeviceSnapshot {
	return DeviceSnapshot(s)
}

// LocationProviderFunc adapts a function to the LocationProvider interface.
type LocationProviderFunc func(ctx context.Context) (*LocationSnapshot, error)

// Current implements the LocationProvider interface.
func (f LocationProviderFunc) Current(ctx context.Context) (*LocationSnapshot, error) {
	return f(ctx)
}

// Facts is the ambient state bag the rule engine evaluates conditions
// against, captured as a consistent snapshot when an event commits.
type Facts struct {
	// Event is the triggering event. Never nil during evaluation.
	Event *Event
	// Session is a snapshot of the active session, nil when none is active.
	Session *Session
	// UserAttributes is the current user attribute set.
	UserAttributes Map
	// Device is the device snapshot at evaluation time.
	Device DeviceSnapshot
	// Location is the last known location, nil when unavailable.
	Location *LocationSnapshot
	// Foreground reports whether the host app is in the foreground.
	Foreground bool
	// Now is the evaluation wall-clock instant. Temporal conditions read
	// this rather than calling time.Now so evaluation stays deterministic.
	Now time.Time
}
