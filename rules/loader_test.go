package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hupe1980/telemetrymesh/core"
)

const sampleRuleDoc = `
rules:
  - id: high-value
    name: High value purchase
    priority: 10
    conditions:
      - type: eventProperty
        property: name
        operator: equals
        value: purchase
        logicalOperator: and
      - type: eventProperty
        property: value
        operator: greaterThan
        value: 5
    actions:
      - type: trackEvent
        name: high_value_purchase
  - id: weekend-promo
    name: Weekend promo
    priority: 5
    isActive: false
    conditions:
      - type: temporal
        property: day_of_week
        operator: in
        value: [0, 6]
    actions:
      - type: showMessage
        params:
          title: Weekend deal
          discount: 0.25
`

func TestParseValidDocument(t *testing.T) {
	rules, err := Parse([]byte(sampleRuleDoc))
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("parsed %d rules, want 2", len(rules))
	}

	first := rules[0]
	if first.ID != "high-value" || first.Priority != 10 {
		t.Errorf("first = %+v", first)
	}
	if !first.Active {
		t.Error("omitted isActive must default to true")
	}
	if first.Conditions[0].LogicalOperator != core.LogicalAnd {
		t.Errorf("logical operator = %q", first.Conditions[0].LogicalOperator)
	}
	if first.Conditions[1].Value != core.Int(5) {
		t.Errorf("numeric value decoded as %T", first.Conditions[1].Value)
	}

	second := rules[1]
	if second.Active {
		t.Error("explicit isActive false was ignored")
	}
	seq, ok := second.Conditions[0].Value.(core.Array)
	if !ok || len(seq) != 2 {
		t.Fatalf("in-list decoded as %T", second.Conditions[0].Value)
	}
	params := second.Actions[0].Params
	if params["title"] != core.String("Weekend deal") || params["discount"] != core.Double(0.25) {
		t.Errorf("params = %+v", params)
	}
}

func TestParseValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing id",
			doc:     "rules:\n  - name: no id\n",
			wantErr: "id is required",
		},
		{
			name: "unknown condition type",
			doc: `rules:
  - id: r
    conditions:
      - type: astrology
        property: sign
        operator: equals
        value: leo
`,
			wantErr: "unknown condition type",
		},
		{
			name: "unknown operator",
			doc: `rules:
  - id: r
    conditions:
      - type: eventProperty
        property: name
        operator: matches
        value: x
`,
			wantErr: "unknown operator",
		},
		{
			name: "missing property",
			doc: `rules:
  - id: r
    conditions:
      - type: eventProperty
        operator: equals
        value: x
`,
			wantErr: "property is required",
		},
		{
			name: "in without list",
			doc: `rules:
  - id: r
    conditions:
      - type: eventProperty
        property: plan
        operator: in
        value: pro
`,
			wantErr: "requires a list value",
		},
		{
			name: "unknown action type",
			doc: `rules:
  - id: r
    actions:
      - type: launchMissiles
`,
			wantErr: "unknown action type",
		},
		{
			name: "trackEvent without name",
			doc: `rules:
  - id: r
    actions:
      - type: trackEvent
`,
			wantErr: "requires a name",
		},
		{
			name:    "invalid yaml",
			doc:     "rules: [",
			wantErr: "invalid YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(sampleRuleDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Errorf("loaded %d rules", len(rules))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
