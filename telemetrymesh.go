// Package telemetrymesh provides a high-level façade over the telemetry
// engine and its collaborators (consent, sessions, queueing, delivery &
// rules) enabling host applications to embed privacy-aware analytics with a
// few lines of code. Most applications interact with this package by:
//  1. Building a config.Config via config.Default() or config.FromEnv()
//  2. Creating a TelemetryMesh via New() (optionally overriding the default
//     in-memory storage, the HTTP transport or the payload cipher)
//  3. Granting consent and tracking events, screens and sessions
//
// The façade delegates orchestration to engine.Engine while keeping setup
// and usage ergonomics concise. All defaults are safe for local development
// and testing; production deployments typically supply durable storage
// (sqlite, redis), payload encryption and a structured logger.
package telemetrymesh

import (
	"context"

	"github.com/hupe1980/telemetrymesh/config"
	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/engine"
	"github.com/hupe1980/telemetrymesh/logging"
)

// Options configures the TelemetryMesh instance.
type Options struct {
	// Storage persists events, sessions, consents, attributes and rules
	// (defaults to an in-memory implementation if not provided).
	Storage core.Storage

	// Transport carries batches and rule syncs to the backend. Defaults to
	// an HTTP transport bound to Config.Endpoint.
	Transport core.Transport

	// Cipher encrypts event payloads before they leave the device
	// (defaults to a pass-through).
	Cipher core.Cipher

	// DeviceInfo supplies the device snapshot stamped onto every event
	// (defaults to a generated, persisted device id).
	DeviceInfo core.DeviceInfoProvider

	// Location supplies optional location fixes, attached only while the
	// location purpose is granted.
	Location core.LocationProvider

	// Hooks observe lifecycle moments from construction on, including the
	// initial session start.
	Hooks []engine.Hook

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// TelemetryMesh is the high-level façade aggregating the underlying engine
// and its collaborators.
type TelemetryMesh struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new TelemetryMesh instance with optional overrides. Any
// unset collaborator is initialized with its default implementation.
func New(cfg config.Config, optFns ...func(o *Options)) (*TelemetryMesh, error) {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e, err := engine.New(cfg, func(o *engine.Options) {
		o.Storage = opts.Storage
		o.Transport = opts.Transport
		o.Cipher = opts.Cipher
		o.DeviceInfo = opts.DeviceInfo
		o.Location = opts.Location
		o.Hooks = opts.Hooks
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	return &TelemetryMesh{opts: opts, engine: e}, nil
}

// Track records a custom event with optional properties.
func (m *TelemetryMesh) Track(ctx context.Context, name string, props core.Properties) error {
	return m.engine.Track(ctx, name, props)
}

// TrackScreen records a screen view and updates the session's screen trail.
func (m *TelemetryMesh) TrackScreen(ctx context.Context, name string) error {
	return m.engine.TrackScreen(ctx, name)
}

// Identify sets the user id stamped onto subsequent events; nil clears it.
func (m *TelemetryMesh) Identify(ctx context.Context, userID *string) error {
	return m.engine.Identify(ctx, userID)
}

// SetUserAttribute stores a user attribute consumed by rule conditions.
func (m *TelemetryMesh) SetUserAttribute(ctx context.Context, key string, value core.Value) error {
	return m.engine.SetUserAttribute(ctx, key, value)
}

// SetConsent records the consent status for a purpose. Revoking analytics
// clears all locally buffered telemetry.
func (m *TelemetryMesh) SetConsent(ctx context.Context, purpose core.Purpose, status core.ConsentStatus) {
	m.engine.SetConsent(ctx, purpose, status)
}

// HasConsent reports whether a purpose is currently granted.
func (m *TelemetryMesh) HasConsent(ctx context.Context, purpose core.Purpose) bool {
	return m.engine.HasConsent(ctx, purpose)
}

// ConsentStatus returns the current status for a purpose.
func (m *TelemetryMesh) ConsentStatus(ctx context.Context, purpose core.Purpose) core.ConsentStatus {
	return m.engine.ConsentStatus(ctx, purpose)
}

// RevokeAllConsent denies every known purpose.
func (m *TelemetryMesh) RevokeAllConsent(ctx context.Context) { m.engine.RevokeAllConsent(ctx) }

// Flush delivers queued events now instead of waiting for the next cycle.
func (m *TelemetryMesh) Flush(ctx context.Context) error { return m.engine.Flush(ctx) }

// SetReachable updates the network reachability signal. Hosts wire their
// platform's connectivity monitor to this.
func (m *TelemetryMesh) SetReachable(reachable bool) { m.engine.SetReachable(reachable) }

// AppForegrounded signals an app foreground transition.
func (m *TelemetryMesh) AppForegrounded(ctx context.Context) { m.engine.AppForegrounded(ctx) }

// AppBackgrounded signals an app background transition, ending the session.
func (m *TelemetryMesh) AppBackgrounded(ctx context.Context) { m.engine.AppBackgrounded(ctx) }

// RecordInteraction counts a user interaction in the current session.
func (m *TelemetryMesh) RecordInteraction(ctx context.Context) { m.engine.RecordInteraction(ctx) }

// RecordInterruption counts an interruption in the current session.
func (m *TelemetryMesh) RecordInterruption(ctx context.Context) { m.engine.RecordInterruption(ctx) }

// UpdateScrollDepth raises the session's maximum scroll depth watermark.
func (m *TelemetryMesh) UpdateScrollDepth(ctx context.Context, depth float64) {
	m.engine.UpdateScrollDepth(ctx, depth)
}

// StartSession begins a fresh session, ending any active one.
func (m *TelemetryMesh) StartSession(ctx context.Context) *core.Session {
	return m.engine.StartSession(ctx)
}

// CurrentSessionID returns the active session id, or nil when none is active.
func (m *TelemetryMesh) CurrentSessionID() *string { return m.engine.CurrentSessionID() }

// CurrentSession returns a snapshot of the active session, or nil.
func (m *TelemetryMesh) CurrentSession() *core.Session { return m.engine.CurrentSession() }

// PendingEvents reports how many events await delivery.
func (m *TelemetryMesh) PendingEvents(ctx context.Context) int { return m.engine.PendingEvents(ctx) }

// ReplaceRules swaps the active rule set wholesale.
func (m *TelemetryMesh) ReplaceRules(ctx context.Context, ruleSet []core.Rule) error {
	return m.engine.ReplaceRules(ctx, ruleSet)
}

// AddRule inserts or updates a single rule.
func (m *TelemetryMesh) AddRule(ctx context.Context, rule core.Rule) error {
	return m.engine.AddRule(ctx, rule)
}

// RemoveRule deletes a rule by id.
func (m *TelemetryMesh) RemoveRule(ctx context.Context, id string) error {
	return m.engine.RemoveRule(ctx, id)
}

// Rules returns the current rule set.
func (m *TelemetryMesh) Rules(ctx context.Context) []core.Rule { return m.engine.Rules(ctx) }

// LoadRulesFile installs a YAML rule document bundled with the app.
func (m *TelemetryMesh) LoadRulesFile(ctx context.Context, path string) error {
	return m.engine.LoadRulesFile(ctx, path)
}

// SyncRules fetches the rule set from the backend and swaps it in.
func (m *TelemetryMesh) SyncRules(ctx context.Context) error { return m.engine.SyncRules(ctx) }

// RegisterHook adds a lifecycle hook observing firings from now on.
func (m *TelemetryMesh) RegisterHook(hook engine.Hook) { m.engine.RegisterHook(hook) }

// Close ends the session, persists pending state and stops background work.
// Queued events are not flushed; they survive for the next launch.
func (m *TelemetryMesh) Close() error { return m.engine.Close() }
