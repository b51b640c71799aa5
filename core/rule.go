package core

import (
	"encoding/json"
	"fmt"
)

// ConditionType selects which fact source a condition reads.
type ConditionType string

const (
	// ConditionUserAttribute reads the current user attribute set.
	ConditionUserAttribute ConditionType = "userAttribute"
	// ConditionEventProperty reads the triggering event's name or properties.
	ConditionEventProperty ConditionType = "eventProperty"
	// ConditionSessionActivity reads counters of the current session snapshot.
	ConditionSessionActivity ConditionType = "sessionActivity"
	// ConditionTemporal reads clock-derived facts (hour of day, weekday).
	ConditionTemporal ConditionType = "temporal"
	// ConditionLocation reads the current location snapshot.
	ConditionLocation ConditionType = "location"
	// ConditionAppState reads foreground state and device snapshot fields.
	ConditionAppState ConditionType = "appState"
)

// Operator enumerates the comparison operators a condition may use.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "notEquals"
	OperatorGreaterThan Operator = "greaterThan"
	OperatorLessThan    Operator = "lessThan"
	OperatorContains    Operator = "contains"
	OperatorStartsWith  Operator = "startsWith"
	OperatorEndsWith    Operator = "endsWith"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "notIn"
)

// LogicalOperator joins a condition to its right neighbor in the chain.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "and"
	LogicalOr  LogicalOperator = "or"
)

// Condition is a single comparison against one fact. LogicalOperator belongs
// to the join between this condition and the NEXT one in the rule's ordered
// sequence (absent means and); evaluation folds strictly left to right with
// no precedence between and/or.
type Condition struct {
	Type            ConditionType   `json:"type"`
	Property        string          `json:"property"`
	Operator        Operator        `json:"operator"`
	Value           Value           `json:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logicalOperator,omitempty"`
}

// UnmarshalJSON decodes the expected value through the closed Value set.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var aux struct {
		Type            ConditionType   `json:"type"`
		Property        string          `json:"property"`
		Operator        Operator        `json:"operator"`
		Value           json.RawMessage `json:"value"`
		LogicalOperator LogicalOperator `json:"logicalOperator"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.Type = aux.Type
	c.Property = aux.Property
	c.Operator = aux.Operator
	c.LogicalOperator = aux.LogicalOperator
	c.Value = nil
	if len(aux.Value) > 0 {
		v, err := UnmarshalValue(aux.Value)
		if err != nil {
			return fmt.Errorf("condition %q: %w", aux.Property, err)
		}
		c.Value = v
	}
	return nil
}

// ActionType enumerates the side effects a matched rule may dispatch.
type ActionType string

const (
	// ActionTrackEvent tracks a new event named by the action.
	ActionTrackEvent ActionType = "trackEvent"
	// ActionUpdateUserAttribute sets the user attribute named by the action
	// to params["value"].
	ActionUpdateUserAttribute ActionType = "updateUserAttribute"
	// ActionShowMessage asks the host to surface an in-app message built
	// from params (title, body, ...). The SDK never renders UI itself.
	ActionShowMessage ActionType = "showMessage"
	// ActionSyncRules schedules a rule sync against the backend.
	ActionSyncRules ActionType = "syncRules"
)

// Action is one side effect dispatched when a rule matches. Name carries the
// primary operand (event name, attribute key); Params carries the rest.
type Action struct {
	Type   ActionType `json:"type"`
	Name   string     `json:"name,omitempty"`
	Params Map        `json:"params,omitempty"`
}

// Rule is a declarative condition/action document. Rules are supplied by
// server sync or local authoring and replaced wholesale; only add/remove by
// id mutates a set in place. Higher priority evaluates first.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Active     bool        `json:"isActive"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// Clone returns a deep copy safe for independent mutation.
func (r Rule) Clone() Rule {
	cp := r
	if r.Conditions != nil {
		cp.Conditions = make([]Condition, len(r.Conditions))
		for i, c := range r.Conditions {
			if c.Value != nil {
				c.Value = Clone(c.Value)
			}
			cp.Conditions[i] = c
		}
	}
	if r.Actions != nil {
		cp.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			if a.Params != nil {
				a.Params = Clone(a.Params).(Map)
			}
			cp.Actions[i] = a
		}
	}
	return cp
}
