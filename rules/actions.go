package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/telemetrymesh/core"
)

// Handler executes one action type for matched rules.
//
// Handlers receive the full fact snapshot the rule matched against, so an
// action can read the triggering event, session counters and user
// attributes without reaching back into live state. Implementations must be
// safe for concurrent use.
type Handler interface {
	// Type returns the action type this handler serves.
	Type() core.ActionType

	// Execute performs the side effect described by the action.
	Execute(ctx context.Context, action core.Action, facts core.Facts) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc struct {
	actionType core.ActionType
	fn         func(ctx context.Context, action core.Action, facts core.Facts) error
}

// NewHandlerFunc wraps fn as a Handler for the given action type.
func NewHandlerFunc(actionType core.ActionType, fn func(ctx context.Context, action core.Action, facts core.Facts) error) *HandlerFunc {
	return &HandlerFunc{actionType: actionType, fn: fn}
}

// Type returns the action type this handler serves.
func (h *HandlerFunc) Type() core.ActionType { return h.actionType }

// Execute invokes the wrapped function.
func (h *HandlerFunc) Execute(ctx context.Context, action core.Action, facts core.Facts) error {
	return h.fn(ctx, action, facts)
}

// ActionError reports a failed action execution with the action type for
// uniform downstream handling.
type ActionError struct {
	Type    core.ActionType
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action error in %s: %s", e.Type, e.Message)
}

// NewActionError creates an ActionError for the given action type.
func NewActionError(actionType core.ActionType, message string) *ActionError {
	return &ActionError{Type: actionType, Message: message}
}

// Registry routes actions to their registered handlers. Handlers register
// once at wiring time; registering the same type again replaces the
// previous handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[core.ActionType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[core.ActionType]Handler)}
}

// Register adds or replaces the handler for its action type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// RegisterFunc wraps fn and registers it for the given action type.
func (r *Registry) RegisterFunc(actionType core.ActionType, fn func(ctx context.Context, action core.Action, facts core.Facts) error) {
	r.Register(NewHandlerFunc(actionType, fn))
}

// Execute dispatches the action to its handler. An action type without a
// registered handler is an execution failure, not a panic.
func (r *Registry) Execute(ctx context.Context, action core.Action, facts core.Facts) error {
	r.mu.RLock()
	h, ok := r.handlers[action.Type]
	r.mu.RUnlock()
	if !ok {
		return NewActionError(action.Type, "no handler registered")
	}
	return h.Execute(ctx, action, facts)
}
