package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/delivery"
	"github.com/hupe1980/telemetrymesh/logging"
)

// HookType defines the specific lifecycle points where hooks can be executed.
//
// Hooks provide a flexible mechanism for observing the engine's telemetry
// pipeline without modifying core logic. Each type represents a specific point
// in the event lifecycle where the host application can be notified.
//
// Available hook types:
//   - EventTracked/EventDropped: Event admission outcomes
//   - BatchDelivered/BatchFailed: Delivery outcomes per batch
//   - RuleFired/ActionExecuted: Rule engine activity
//   - MessageRequested: In-app message display requests
//   - SessionStarted/SessionEnded: Session lifecycle transitions
//
// Hooks are observational: errors returned by hooks are logged and never
// interrupt the pipeline. A misbehaving host hook cannot lose events.
type HookType string

const (
	// HookEventTracked is triggered after an event passes validation and
	// consent checks and is committed to the queue.
	// Use for mirroring events into host-side debugging or live displays.
	HookEventTracked HookType = "event_tracked"

	// HookEventDropped is triggered when an event is rejected before the
	// queue or evicted from a full queue. The context carries the reason.
	// Use for surfacing data loss during integration and QA.
	HookEventDropped HookType = "event_dropped"

	// HookBatchDelivered is triggered after the backend accepts a batch.
	// Use for delivery monitoring or prompting additional host work.
	HookBatchDelivered HookType = "batch_delivered"

	// HookBatchFailed is triggered when a batch send fails after retries.
	// The context carries the outcome classification and the error.
	// Use for alerting, connectivity diagnostics, or backoff tuning.
	HookBatchFailed HookType = "batch_failed"

	// HookRuleFired is triggered when a rule's conditions match an event.
	// Use for rule debugging or campaign analytics.
	HookRuleFired HookType = "rule_fired"

	// HookActionExecuted is triggered after each action of a fired rule
	// runs, whether it succeeded or failed.
	// Use for auditing rule side effects.
	HookActionExecuted HookType = "action_executed"

	// HookMessageRequested is triggered when a showMessage action asks the
	// host to present an in-app message. The engine never renders UI; the
	// host owns presentation.
	// Use for wiring rule-driven messages into the host's UI layer.
	HookMessageRequested HookType = "message_requested"

	// HookSessionStarted is triggered when a new session begins.
	// Use for host-side session bookkeeping or logging.
	HookSessionStarted HookType = "session_started"

	// HookSessionEnded is triggered when a session ends, after its summary
	// event has been queued.
	// Use for session analytics or state cleanup.
	HookSessionEnded HookType = "session_ended"
)

// DropReason explains why an event never reached, or was removed from,
// the event queue. Delivered through HookEventDropped.
type DropReason string

const (
	// DropReasonNoConsent means the analytics purpose was not granted at
	// tracking time.
	DropReasonNoConsent DropReason = "no_consent"

	// DropReasonInvalidName means the event name was empty or blank after
	// sanitization.
	DropReasonInvalidName DropReason = "invalid_name"

	// DropReasonClosed means the engine had already been closed.
	DropReasonClosed DropReason = "closed"

	// DropReasonQueueOverflow means the queue was at capacity and this
	// event was evicted (oldest first) to make room for a newer one.
	DropReasonQueueOverflow DropReason = "queue_overflow"

	// DropReasonUndeliverable means the backend permanently rejected the
	// event and its delivery budget is spent.
	DropReasonUndeliverable DropReason = "undeliverable"
)

// HookContext provides context information for hook execution.
//
// The structure is shared across all hook types; only the fields relevant
// to the triggering type are populated. It provides access to:
//   - The event and session involved, when applicable
//   - Delivery outcomes and batch sizes for delivery hooks
//   - The rule and action for rule engine hooks
//   - Message payloads for display requests
//
// The context is populated by the engine and passed to each hook. Hooks
// must treat it as read-only; mutating it does not influence the pipeline.
type HookContext struct {
	// Event is the event involved. Set for event hooks and rule hooks.
	Event *core.Event

	// Reason explains the drop. Set for HookEventDropped.
	Reason DropReason

	// BatchSize is the number of events in the batch. Set for
	// HookBatchDelivered and HookBatchFailed.
	BatchSize int

	// Outcome classifies the delivery failure. Set for HookBatchFailed.
	Outcome delivery.Outcome

	// Rule is the rule that fired. Set for HookRuleFired and
	// HookActionExecuted.
	Rule *core.Rule

	// Action is the action that ran. Set for HookActionExecuted.
	Action *core.Action

	// Message carries the showMessage action parameters (title, body, and
	// any custom keys). Set for HookMessageRequested.
	Message core.Map

	// Session is the session involved. Set for HookSessionStarted and
	// HookSessionEnded.
	Session *core.Session

	// Err is the failure, if any. Set for HookBatchFailed and for
	// HookActionExecuted when the action handler returned an error.
	Err error
}

// Hook defines the interface for pipeline lifecycle observers.
//
// Hooks are the engine's outward-facing notification surface. They can be
// used for:
//   - Logging and monitoring
//   - Wiring in-app messages into the host UI
//   - Host-side session and delivery bookkeeping
//   - Integration debugging
//
// Implementations should be fast: hooks run synchronously on the pipeline
// goroutine that triggered them. Slow hooks delay tracking or delivery.
//
// Error Handling:
// Errors returned by hooks are logged at warn level and otherwise ignored.
// Hooks cannot veto or terminate pipeline operations.
type Hook interface {
	// Type returns the hook type this implementation handles.
	Type() HookType

	// Execute performs the hook logic with the provided context.
	Execute(ctx context.Context, hookCtx *HookContext) error
}

// FunctionHook wraps a function as a hook implementation.
//
// This is a convenience wrapper that allows simple functions to be used
// as hooks without implementing the full Hook interface.
//
// Example:
//
//	messageHook := NewFunctionHook(
//	    HookMessageRequested,
//	    func(ctx context.Context, hookCtx *HookContext) error {
//	        ui.Show(hookCtx.Message)
//	        return nil
//	    },
//	)
type FunctionHook struct {
	hookType HookType
	fn       func(ctx context.Context, hookCtx *HookContext) error
}

// NewFunctionHook creates a new function-based hook for the given type.
func NewFunctionHook(
	hookType HookType,
	fn func(ctx context.Context, hookCtx *HookContext) error,
) *FunctionHook {
	return &FunctionHook{
		hookType: hookType,
		fn:       fn,
	}
}

// Type returns the hook type this function handles.
func (h *FunctionHook) Type() HookType {
	return h.hookType
}

// Execute calls the wrapped function with the provided context.
func (h *FunctionHook) Execute(ctx context.Context, hookCtx *HookContext) error {
	return h.fn(ctx, hookCtx)
}

// Hooks orchestrates hook execution throughout the engine lifecycle.
//
// The registry supports multiple hooks per type, executed in registration
// order. Hooks are purely observational: a hook returning an error is
// logged and the remaining hooks still run.
//
// Thread Safety:
// Registration and emission are safe for concurrent use. Hooks may be
// registered at any time, including after the engine has started.
type Hooks struct {
	hooks  map[HookType][]Hook
	logger logging.Logger
	mu     sync.RWMutex
}

// NewHooks creates an empty hook registry.
func NewHooks(logger logging.Logger) *Hooks {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Hooks{
		hooks:  make(map[HookType][]Hook),
		logger: logger,
	}
}

// Register adds a hook to the registry for its declared type.
//
// Multiple hooks can be registered for the same type and will be executed
// in registration order.
func (h *Hooks) Register(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hookType := hook.Type()
	h.hooks[hookType] = append(h.hooks[hookType], hook)
}

// emit executes all registered hooks for the specified type.
//
// Hooks run sequentially in registration order. Errors are logged and do
// not stop subsequent hooks; the pipeline never observes hook failures.
func (h *Hooks) emit(ctx context.Context, hookType HookType, hookCtx *HookContext) {
	h.mu.RLock()
	hooks := h.hooks[hookType]
	h.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook.Execute(ctx, hookCtx); err != nil {
			h.logger.Warn("hook failed", "hook", string(hookType), "error", err)
		}
	}
}

// LoggingHook logs every firing of a hook type through the engine's
// structured logger. Useful during integration to watch the pipeline
// without wiring real handlers.
//
// Example:
//
//	engine.RegisterHook(NewLoggingHook(HookEventTracked, logger))
type LoggingHook struct {
	hookType HookType
	logger   logging.Logger
}

// NewLoggingHook creates a hook that logs firings of the given type.
func NewLoggingHook(hookType HookType, logger logging.Logger) *LoggingHook {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &LoggingHook{
		hookType: hookType,
		logger:   logger,
	}
}

// Type returns the hook type this logger handles.
func (h *LoggingHook) Type() HookType {
	return h.hookType
}

// Execute logs the firing with whatever context fields are populated.
func (h *LoggingHook) Execute(_ context.Context, hookCtx *HookContext) error {
	fields := []any{"hook", string(h.hookType)}
	if hookCtx.Event != nil {
		fields = append(fields, "event", hookCtx.Event.Name)
	}
	if hookCtx.Session != nil {
		fields = append(fields, "session", hookCtx.Session.ID)
	}
	if hookCtx.Rule != nil {
		fields = append(fields, "rule", hookCtx.Rule.ID)
	}
	if hookCtx.Reason != "" {
		fields = append(fields, "reason", string(hookCtx.Reason))
	}
	if hookCtx.Err != nil {
		fields = append(fields, "error", hookCtx.Err)
	}

	h.logger.Debug("hook fired", fields...)

	return nil
}
