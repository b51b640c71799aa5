// Package engine implements the core orchestration layer of the telemetry
// mesh.
//
// The Engine is the single coordination hub behind the public SDK surface. It
// composes the consent gate, session manager, durable event queue, delivery
// client and rule engine into one pipeline, so host applications get a small
// tracking API while the engine owns admission, persistence, delivery and
// rule-driven reactions.
//
// # Core Responsibilities
//
// Event Admission:
//   - Analytics consent gating before any state is touched
//   - Event name sanitization and property capping
//   - Session, user, device and location context stamping
//   - Drop reporting for rejected and evicted events
//
// Session Lifecycle:
//   - Automatic session start on launch, restoration across restarts
//   - Foreground/background transitions and idle timeout handling
//   - session_end summary events carrying the final counters
//
// Delivery:
//   - Durable write-through queueing decoupled from network I/O
//   - Timer-, threshold- and request-driven batch delivery
//   - Outcome classification with retry, keep, and dispose policies
//
// Rule Processing:
//   - Asynchronous evaluation of every committed event
//   - Built-in trackEvent, updateUserAttribute, showMessage and syncRules
//     action handlers
//   - Backend rule sync, periodic or on demand
//
// # Architecture
//
// The engine sits between the host-facing API and the stateful components:
//
//	┌───────────────────────────────────────────────────────────┐
//	│                       Host Application                    │
//	├───────────────────────────────────────────────────────────┤
//	│                      Engine Interface                     │
//	│   ┌─────────┐ ┌─────────────┐ ┌───────┐ ┌─────────────┐   │
//	│   │  Track  │ │ SetConsent  │ │ Flush │ │  Lifecycle  │   │
//	│   └─────────┘ └─────────────┘ └───────┘ └─────────────┘   │
//	├───────────────────────────────────────────────────────────┤
//	│                    Orchestration Layer                    │
//	│   ┌──────────┐ ┌───────────┐ ┌────────────┐ ┌────────┐   │
//	│   │ Consent  │ │  Session  │ │   Flush    │ │  Eval  │   │
//	│   │   Gate   │ │  Manager  │ │    Lane    │ │  Lane  │   │
//	│   └──────────┘ └───────────┘ └────────────┘ └────────┘   │
//	├───────────────────────────────────────────────────────────┤
//	│                      Component Layer                      │
//	│   ┌─────────┐ ┌────────────┐ ┌─────────────┐ ┌────────┐   │
//	│   │  Queue  │ │  Delivery  │ │ Rule Engine │ │ Hooks  │   │
//	│   └─────────┘ └────────────┘ └─────────────┘ └────────┘   │
//	├───────────────────────────────────────────────────────────┤
//	│            Storage · Transport · Crypto · Clock           │
//	└───────────────────────────────────────────────────────────┘
//
// # Usage Patterns
//
// Basic Setup:
//
//	cfg := config.Default()
//	cfg.AppID = "my-app"
//	cfg.Endpoint = "https://ingest.example.com"
//
//	eng, err := engine.New(cfg, func(o *engine.Options) {
//	    o.Storage = sqliteStore
//	    o.Logger = logger
//	})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
// Tracking:
//
//	_ = eng.Track(ctx, "purchase", core.Properties{
//	    "value": core.Double(9.99),
//	})
//	_ = eng.TrackScreen(ctx, "Checkout")
//
// Consent:
//
//	eng.SetConsent(ctx, core.PurposeAnalytics, core.ConsentGranted)
//	if !eng.HasConsent(ctx, core.PurposeAnalytics) {
//	    // events are dropped until granted
//	}
//
// Hooks:
//
//	eng.RegisterHook(engine.NewFunctionHook(engine.HookMessageRequested,
//	    func(ctx context.Context, hc *engine.HookContext) error {
//	        ui.Show(hc.Message)
//	        return nil
//	    },
//	))
//
// # Concurrency Model
//
// Public methods are safe from any goroutine. The engine adds exactly two
// private goroutines:
//
//   - The flush lane owns every delivery trigger (periodic timer, queue
//     threshold, explicit requests) and rule sync, so at most one delivery
//     cycle is in flight; extra requests coalesce through a busy flag.
//   - The evaluation lane runs rule matching and actions off the tracking
//     path, fed by a bounded backlog that sheds load instead of blocking.
//
// Stateful components serialize their own mutations internally, so the
// pipeline never relies on caller-side locking.
//
// # Error Handling
//
// Internal failures are never surfaced to the host as panics. Entry points
// return errors only for caller mistakes (empty event name, use after
// Close) and explicit delivery or sync requests. Consent denials no-op
// silently, storage failures degrade to in-memory state, and corrupt
// persisted records are discarded rather than blocking a load. Everything
// is observable through structured logs, metrics and hooks.
package engine
