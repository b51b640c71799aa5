package rules

import (
	"strings"

	"github.com/hupe1980/telemetrymesh/core"
)

// conditionsMatch folds the condition chain strictly left to right: the
// logical operator attached to condition i-1 joins it to condition i, with
// and as the default. There is no precedence between and/or and no grouping;
// an empty chain matches vacuously.
func conditionsMatch(conds []core.Condition, facts core.Facts) bool {
	if len(conds) == 0 {
		return true
	}
	result := evalCondition(conds[0], facts)
	for i := 1; i < len(conds); i++ {
		next := evalCondition(conds[i], facts)
		if conds[i-1].LogicalOperator == core.LogicalOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

// evalCondition resolves the fact the condition reads and applies its
// operator. A missing fact makes the condition false, never an error.
func evalCondition(cond core.Condition, facts core.Facts) bool {
	actual, ok := resolveFact(cond, facts)
	if !ok {
		return false
	}
	return compare(cond.Operator, actual, cond.Value)
}

// compare applies one operator. Every type mismatch fails closed: numeric
// operators need two numeric operands, string operators a string-typed
// actual value, and membership operators a sequence-typed expected value.
func compare(op core.Operator, actual, expected core.Value) bool {
	switch op {
	case core.OperatorEquals:
		return core.Equal(actual, expected)
	case core.OperatorNotEquals:
		return !core.Equal(actual, expected)
	case core.OperatorGreaterThan:
		a, aok := core.AsFloat(actual)
		b, bok := core.AsFloat(expected)
		return aok && bok && a > b
	case core.OperatorLessThan:
		a, aok := core.AsFloat(actual)
		b, bok := core.AsFloat(expected)
		return aok && bok && a < b
	case core.OperatorContains:
		return stringOp(actual, expected, strings.Contains)
	case core.OperatorStartsWith:
		return stringOp(actual, expected, strings.HasPrefix)
	case core.OperatorEndsWith:
		return stringOp(actual, expected, strings.HasSuffix)
	case core.OperatorIn:
		seq, ok := expected.(core.Array)
		return ok && containsValue(seq, actual)
	case core.OperatorNotIn:
		seq, ok := expected.(core.Array)
		return ok && !containsValue(seq, actual)
	default:
		return false
	}
}

func stringOp(actual, expected core.Value, fn func(string, string) bool) bool {
	a, aok := core.AsString(actual)
	b, bok := core.AsString(expected)
	return aok && bok && fn(a, b)
}

func containsValue(seq core.Array, v core.Value) bool {
	for _, el := range seq {
		if core.Equal(el, v) {
			return true
		}
	}
	return false
}

// resolveFact reads the fact a condition refers to. The second return value
// reports presence; conditions over absent facts never match.
func resolveFact(cond core.Condition, facts core.Facts) (core.Value, bool) {
	switch cond.Type {
	case core.ConditionEventProperty:
		return resolveEventProperty(cond.Property, facts.Event)
	case core.ConditionUserAttribute:
		v, ok := facts.UserAttributes[cond.Property]
		return v, ok
	case core.ConditionSessionActivity:
		return resolveSessionActivity(cond.Property, facts)
	case core.ConditionTemporal:
		return resolveTemporal(cond.Property, facts)
	case core.ConditionLocation:
		return resolveLocation(cond.Property, facts)
	case core.ConditionAppState:
		return resolveAppState(cond.Property, facts)
	default:
		return nil, false
	}
}

func resolveEventProperty(property string, ev *core.Event) (core.Value, bool) {
	if ev == nil {
		return nil, false
	}
	if property == "name" {
		return core.String(ev.Name), true
	}
	v, ok := ev.Properties[property]
	return v, ok
}

func resolveSessionActivity(property string, facts core.Facts) (core.Value, bool) {
	s := facts.Session
	if s == nil {
		return nil, false
	}
	switch property {
	case "screen_count":
		return core.Int(s.ScreenCount), true
	case "event_count":
		return core.Int(s.EventCount), true
	case "interaction_count":
		return core.Int(s.InteractionCount), true
	case "interruption_count":
		return core.Int(s.InterruptionCount), true
	case "max_scroll_depth":
		return core.Double(s.MaxScrollDepth), true
	case "duration":
		// seconds since session start, live for an active session
		if s.Ended() {
			return core.Double(s.Duration.Seconds()), true
		}
		return core.Double(facts.Now.Sub(s.StartTime).Seconds()), true
	case "source":
		return core.String(s.Source), true
	case "screens_viewed":
		arr := make(core.Array, 0, len(s.ScreensViewed))
		for _, name := range s.ScreensViewed {
			arr = append(arr, core.String(name))
		}
		return arr, true
	default:
		return nil, false
	}
}

// resolveTemporal reads clock facts from the snapshot instant, never from
// time.Now, so evaluation is reproducible. day_of_week counts Sunday as 0.
func resolveTemporal(property string, facts core.Facts) (core.Value, bool) {
	switch property {
	case "hour_of_day":
		return core.Int(facts.Now.Hour()), true
	case "day_of_week":
		return core.Int(int(facts.Now.Weekday())), true
	case "timestamp":
		return core.Int(facts.Now.Unix()), true
	default:
		return nil, false
	}
}

func resolveLocation(property string, facts core.Facts) (core.Value, bool) {
	loc := facts.Location
	if loc == nil {
		return nil, false
	}
	switch property {
	case "latitude":
		return core.Double(loc.Latitude), true
	case "longitude":
		return core.Double(loc.Longitude), true
	case "accuracy":
		return core.Double(loc.Accuracy), true
	default:
		return nil, false
	}
}

func resolveAppState(property string, facts core.Facts) (core.Value, bool) {
	switch property {
	case "foreground":
		return core.Bool(facts.Foreground), true
	case "platform":
		return core.String(facts.Device.Platform), true
	case "os_version":
		return core.String(facts.Device.OSVersion), true
	case "app_version":
		return core.String(facts.Device.AppVersion), true
	case "model":
		return core.String(facts.Device.Model), true
	case "locale":
		return core.String(facts.Device.Locale), true
	default:
		return nil, false
	}
}
