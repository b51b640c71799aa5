package testutil

import "github.com/hupe1980/telemetrymesh/core"

// RuleBuilder provides a fluent helper for constructing rules in tests.
// Rules default to active with priority 0.
type RuleBuilder struct {
	rule core.Rule
}

// NewRuleBuilder creates a builder for an active rule with the given id.
func NewRuleBuilder(id string) *RuleBuilder {
	return &RuleBuilder{rule: core.Rule{ID: id, Name: id, Active: true}}
}

// Priority sets the rule priority (chainable).
func (b *RuleBuilder) Priority(p int) *RuleBuilder { b.rule.Priority = p; return b }

// Inactive marks the rule inactive (chainable).
func (b *RuleBuilder) Inactive() *RuleBuilder { b.rule.Active = false; return b }

// Where appends a condition with the default AND join (chainable).
func (b *RuleBuilder) Where(ct core.ConditionType, property string, op core.Operator, v core.Value) *RuleBuilder {
	b.rule.Conditions = append(b.rule.Conditions, core.Condition{
		Type: ct, Property: property, Operator: op, Value: v,
	})
	return b
}

// Do appends an action (chainable).
func (b *RuleBuilder) Do(t core.ActionType, name string, params core.Map) *RuleBuilder {
	b.rule.Actions = append(b.rule.Actions, core.Action{Type: t, Name: name, Params: params})
	return b
}

// Build returns the constructed rule.
func (b *RuleBuilder) Build() core.Rule { return b.rule }
