package engine

import (
	"reflect"
	"strconv"
	"strings"
)

type operatorFunc func(actual, expected interface{}) bool

// Supported condition operators. Every operator is total: incompatible types
// evaluate to false instead of failing the run.
var operators = map[string]operatorFunc{
	"equals":       looseEquals,
	"not_equals":   func(a, b interface{}) bool { return !looseEquals(a, b) },
	"contains":     opContains,
	"not_contains": func(a, b interface{}) bool { return !opContains(a, b) },
	"starts_with": func(a, b interface{}) bool {
		return isTruthy(a) && strings.HasPrefix(stringify(a), stringify(b))
	},
	"ends_with": func(a, b interface{}) bool {
		return isTruthy(a) && strings.HasSuffix(stringify(a), stringify(b))
	},
	"greater_than": func(a, b interface{}) bool {
		af, bf, ok := bothNumeric(a, b)
		return ok && af > bf
	},
	"less_than": func(a, b interface{}) bool {
		af, bf, ok := bothNumeric(a, b)
		return ok && af < bf
	},
	"is_empty":     func(a, _ interface{}) bool { return !isTruthy(a) },
	"is_not_empty": func(a, _ interface{}) bool { return isTruthy(a) },
	"exists":       func(a, _ interface{}) bool { return a != nil },
}

// Evaluate resolves a condition config against the execution context.
//
// Simple form:
//
//	{"field": "contact.tags", "operator": "contains", "value": "VIP"}
//
// Compound form:
//
//	{"logic": "and", "conditions": [ ... ]}
//
// An empty config always evaluates to true. Unknown logic behaves as "and";
// an unknown operator falls back to "equals".
func Evaluate(config map[string]interface{}, ctx *Context) bool {
	if len(config) == 0 {
		return true
	}

	if logic, hasLogic := config["logic"]; hasLogic {
		if conditions, ok := config["conditions"].([]interface{}); ok {
			return evaluateCompound(logic, conditions, ctx)
		}
	}

	field, _ := config["field"].(string)
	opName, _ := config["operator"].(string)
	if opName == "" {
		opName = "equals"
	}
	expected := config["value"]

	actual := ctx.Get(field)

	// The expected value may itself be a template.
	if text, ok := expected.(string); ok && strings.Contains(text, "{{") {
		expected = ctx.ResolveTemplate(text)
	}

	op, ok := operators[opName]
	if !ok {
		op = looseEquals
	}
	return op(actual, expected)
}

func evaluateCompound(logic interface{}, conditions []interface{}, ctx *Context) bool {
	or := logic == "or"
	for _, raw := range conditions {
		sub, ok := raw.(map[string]interface{})
		if !ok {
			if or {
				continue
			}
			return false
		}
		result := Evaluate(sub, ctx)
		if or && result {
			return true
		}
		if !or && !result {
			return false
		}
	}
	return !or
}

func looseEquals(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	// Numbers survive JSON round-trips with different concrete types.
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
	}
	return false
}

func opContains(a, b interface{}) bool {
	if !isTruthy(a) {
		return false
	}
	return strings.Contains(stringify(a), stringify(b))
}

// bothNumeric coerces both sides for an ordered comparison. Unlike toNumber
// it also accepts numeric strings, and reports false when the actual value
// is nil or not coercible.
func bothNumeric(a, b interface{}) (float64, float64, bool) {
	if a == nil {
		return 0, 0, false
	}
	af, ok := coerceFloat(a)
	if !ok {
		return 0, 0, false
	}
	bf, ok := coerceFloat(b)
	if !ok {
		return 0, 0, false
	}
	return af, bf, true
}

// toNumber accepts only genuinely numeric types; strings do not count.
func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}

func coerceFloat(v interface{}) (float64, bool) {
	if f, ok := toNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// isTruthy mirrors loose truthiness for JSON-shaped values: nil, false, zero,
// empty strings, and empty collections are falsy.
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	return true
}
