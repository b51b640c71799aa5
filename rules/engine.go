// Package rules implements the declarative rule engine: condition matching
// against event and ambient facts, prioritized evaluation, and dispatch of
// rule actions through a pluggable handler registry.
//
// Rules are documents, not code. They arrive from the backend via Syncer,
// from bundled YAML via LoadFile, or programmatically, and are replaced
// wholesale on every sync. The engine persists the active set under the
// rules storage key so behavior survives offline restarts.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/telemetrymesh/core"
	"github.com/hupe1980/telemetrymesh/logging"
	"github.com/hupe1980/telemetrymesh/metrics"
)

// Options configures an Engine.
type Options struct {
	// Logger receives evaluation diagnostics.
	Logger logging.Logger

	// Registry executes matched rule actions. A fresh empty registry is
	// used when nil.
	Registry *Registry
}

// Engine holds the active rule set and evaluates it against fact snapshots.
// Safe for concurrent use; evaluation runs against an immutable snapshot so
// action handlers may mutate the rule set (syncRules) without deadlocking.
type Engine struct {
	storage  core.Storage
	logger   logging.Logger
	registry *Registry

	mu     sync.RWMutex
	rules  []core.Rule
	loaded bool
}

// NewEngine creates a rule engine backed by the given storage. A previously
// persisted rule set is loaded lazily on first use.
func NewEngine(storage core.Storage, optFns ...func(*Options)) *Engine {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}

	return &Engine{
		storage:  storage,
		logger:   opts.Logger,
		registry: opts.Registry,
	}
}

// Registry returns the action handler registry used for matched rules.
func (e *Engine) Registry() *Registry { return e.registry }

// Replace swaps the whole rule set, the server being authoritative: an empty
// slice clears every rule. The new set is persisted.
func (e *Engine) Replace(ctx context.Context, rules []core.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = true

	e.rules = make([]core.Rule, 0, len(rules))
	for _, r := range rules {
		e.rules = append(e.rules, r.Clone())
	}
	e.sortLocked()
	e.persistLocked(ctx)

	e.logger.Info("rules.replace", "count", len(e.rules))
}

// Add upserts a single rule by id and persists the new set.
func (e *Engine) Add(ctx context.Context, rule core.Rule) error {
	if rule.ID == "" {
		return errors.New("rule id must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(ctx)

	replaced := false
	for i := range e.rules {
		if e.rules[i].ID == rule.ID {
			e.rules[i] = rule.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		e.rules = append(e.rules, rule.Clone())
	}
	e.sortLocked()
	e.persistLocked(ctx)
	return nil
}

// RemoveByID removes the rule with the given id and persists the new set.
// Returns core.ErrRuleNotFound when no rule has that id.
func (e *Engine) RemoveByID(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(ctx)

	for i := range e.rules {
		if e.rules[i].ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.persistLocked(ctx)
			return nil
		}
	}
	return core.ErrRuleNotFound
}

// Rules returns a copy of the full rule set in evaluation order.
func (e *Engine) Rules(ctx context.Context) []core.Rule {
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if !loaded {
		e.mu.Lock()
		e.loadLocked(ctx)
		e.mu.Unlock()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := make([]core.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		cp = append(cp, r.Clone())
	}
	return cp
}

// Active returns a copy of the active rules in evaluation order.
func (e *Engine) Active(ctx context.Context) []core.Rule {
	var active []core.Rule
	for _, r := range e.Rules(ctx) {
		if r.Active {
			active = append(active, r)
		}
	}
	return active
}

// ActionResult reports one action executed for a matched rule.
type ActionResult struct {
	Action core.Action
	Err    error
}

// Firing reports one matched rule and the results of its actions, in
// declaration order.
type Firing struct {
	Rule    core.Rule
	Results []ActionResult
}

// Evaluate runs every active rule, highest priority first, against the fact
// snapshot. Matched rules execute all of their actions in declaration order;
// one failing action never prevents the next from running. The returned
// firings report per-action outcomes for observability.
func (e *Engine) Evaluate(ctx context.Context, facts core.Facts) []Firing {
	var firings []Firing
	for _, rule := range e.Active(ctx) {
		metrics.RecordRuleEvaluated()
		matched := conditionsMatch(rule.Conditions, facts)
		e.logger.Debug("rule.evaluate",
			"rule_id", rule.ID,
			"rule_name", rule.Name,
			"event", facts.Event.Name,
			"matched", matched,
		)
		if !matched {
			continue
		}
		metrics.RecordRuleFired()

		firing := Firing{Rule: rule}
		for _, action := range rule.Actions {
			err := e.registry.Execute(ctx, action, facts)
			metrics.RecordActionExecuted(string(action.Type), err == nil)
			if err != nil {
				e.logger.Warn("rule.action.failed",
					"rule_id", rule.ID,
					"action", string(action.Type),
					"error", err,
				)
			}
			firing.Results = append(firing.Results, ActionResult{Action: action, Err: err})
		}
		firings = append(firings, firing)
	}
	return firings
}

// sortLocked orders by priority descending; rules with equal priority keep
// their supplied order.
func (e *Engine) sortLocked() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority > e.rules[j].Priority
	})
}

// loadLocked reads the persisted rule set on first touch, discarding a
// corrupt payload rather than blocking startup.
func (e *Engine) loadLocked(ctx context.Context) {
	if e.loaded {
		return
	}
	e.loaded = true

	data, err := e.storage.Get(ctx, core.StorageKeyRules)
	if err != nil {
		e.logger.Warn("failed to load persisted rules", "error", err)
		return
	}
	if data == nil {
		return
	}
	var rules []core.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		e.logger.Warn("discarding corrupt persisted rules", "error", err)
		if err := e.storage.Delete(ctx, core.StorageKeyRules); err != nil {
			e.logger.Warn("failed to delete corrupt rules", "error", err)
		}
		return
	}
	e.rules = rules
	e.sortLocked()
}

// persistLocked writes the rule set through to storage. Failures are logged
// and the in-memory state stays authoritative.
func (e *Engine) persistLocked(ctx context.Context) {
	if len(e.rules) == 0 {
		if err := e.storage.Delete(ctx, core.StorageKeyRules); err != nil {
			e.logger.Warn("failed to clear persisted rules", "error", err)
		}
		return
	}
	data, err := json.Marshal(e.rules)
	if err != nil {
		e.logger.Error("failed to marshal rules", "error", err)
		return
	}
	if err := e.storage.Put(ctx, core.StorageKeyRules, data); err != nil {
		e.logger.Warn("rules persist failed, in-memory state stays authoritative", "error", err)
	}
}
