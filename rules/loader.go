package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/telemetrymesh/core"
)

// yamlRule is the authoring shape for bundled rule documents. It mirrors the
// wire format field names; isActive defaults to true when omitted so authors
// only write it to disable a rule.
type yamlRule struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Priority   int             `yaml:"priority"`
	Active     *bool           `yaml:"isActive"`
	Conditions []yamlCondition `yaml:"conditions"`
	Actions    []yamlAction    `yaml:"actions"`
}

type yamlCondition struct {
	Type            string `yaml:"type"`
	Property        string `yaml:"property"`
	Operator        string `yaml:"operator"`
	Value           any    `yaml:"value"`
	LogicalOperator string `yaml:"logicalOperator"`
}

type yamlAction struct {
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

type ruleDoc struct {
	Rules []yamlRule `yaml:"rules"`
}

// LoadFile reads and parses a YAML rule document, letting hosts bundle rules
// without a backend. The file holds a top-level rules list.
func LoadFile(path string) ([]core.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes and validates a YAML rule document. Human-authored documents
// are validated strictly, unlike server rule sets which the backend owns.
func Parse(data []byte) ([]core.Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	rules := make([]core.Rule, 0, len(doc.Rules))
	for i, yr := range doc.Rules {
		rule, err := convertRule(yr)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, yr.ID, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func convertRule(yr yamlRule) (core.Rule, error) {
	if yr.ID == "" {
		return core.Rule{}, fmt.Errorf("id is required")
	}

	rule := core.Rule{
		ID:       yr.ID,
		Name:     yr.Name,
		Priority: yr.Priority,
		Active:   yr.Active == nil || *yr.Active,
	}

	for i, yc := range yr.Conditions {
		cond, err := convertCondition(yc)
		if err != nil {
			return core.Rule{}, fmt.Errorf("condition %d: %w", i, err)
		}
		rule.Conditions = append(rule.Conditions, cond)
	}
	for i, ya := range yr.Actions {
		action, err := convertAction(ya)
		if err != nil {
			return core.Rule{}, fmt.Errorf("action %d: %w", i, err)
		}
		rule.Actions = append(rule.Actions, action)
	}
	return rule, nil
}

func convertCondition(yc yamlCondition) (core.Condition, error) {
	condType := core.ConditionType(yc.Type)
	switch condType {
	case core.ConditionUserAttribute, core.ConditionEventProperty,
		core.ConditionSessionActivity, core.ConditionTemporal,
		core.ConditionLocation, core.ConditionAppState:
	default:
		return core.Condition{}, fmt.Errorf("unknown condition type %q", yc.Type)
	}

	op := core.Operator(yc.Operator)
	switch op {
	case core.OperatorEquals, core.OperatorNotEquals,
		core.OperatorGreaterThan, core.OperatorLessThan,
		core.OperatorContains, core.OperatorStartsWith, core.OperatorEndsWith,
		core.OperatorIn, core.OperatorNotIn:
	default:
		return core.Condition{}, fmt.Errorf("unknown operator %q", yc.Operator)
	}

	logical := core.LogicalOperator(yc.LogicalOperator)
	switch logical {
	case "", core.LogicalAnd, core.LogicalOr:
	default:
		return core.Condition{}, fmt.Errorf("unknown logical operator %q", yc.LogicalOperator)
	}

	if yc.Property == "" {
		return core.Condition{}, fmt.Errorf("property is required")
	}

	var value core.Value
	if yc.Value != nil {
		v, err := core.ValueOf(yc.Value)
		if err != nil {
			return core.Condition{}, fmt.Errorf("value: %w", err)
		}
		value = v
	}
	if op == core.OperatorIn || op == core.OperatorNotIn {
		if _, ok := value.(core.Array); !ok {
			return core.Condition{}, fmt.Errorf("%s requires a list value", op)
		}
	}

	return core.Condition{
		Type:            condType,
		Property:        yc.Property,
		Operator:        op,
		Value:           value,
		LogicalOperator: logical,
	}, nil
}

func convertAction(ya yamlAction) (core.Action, error) {
	actionType := core.ActionType(ya.Type)
	switch actionType {
	case core.ActionTrackEvent, core.ActionUpdateUserAttribute:
		if ya.Name == "" {
			return core.Action{}, fmt.Errorf("%s requires a name", ya.Type)
		}
	case core.ActionShowMessage, core.ActionSyncRules:
	default:
		return core.Action{}, fmt.Errorf("unknown action type %q", ya.Type)
	}

	action := core.Action{Type: actionType, Name: ya.Name}
	if len(ya.Params) > 0 {
		params, err := core.ValueOf(ya.Params)
		if err != nil {
			return core.Action{}, fmt.Errorf("params: %w", err)
		}
		action.Params = params.(core.Map)
	}
	return action, nil
}
