package component

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/theuselessai/pipelit/flow"
)

// Rule is one routing/filter condition: a dotted field path, an operator
// from the closed set below, and a comparison value.
type Rule struct {
	ID       string
	Field    string
	Operator string
	Value    any
}

// parseRules decodes the rules list of a router/switch/filter config.
func parseRules(raw []any) ([]Rule, error) {
	rules := make([]Rule, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, flow.Errf(flow.CodeValidation, "rule %d is not an object", i)
		}
		rule := Rule{
			ID:       fmt.Sprint(m["id"]),
			Field:    fmt.Sprint(m["field"]),
			Operator: fmt.Sprint(m["operator"]),
			Value:    m["value"],
		}
		if rule.Operator == "" || rule.Operator == "<nil>" {
			return nil, flow.Errf(flow.CodeValidation, "rule %d has no operator", i)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// lookupPath resolves a dotted path inside an arbitrary decoded value.
func lookupPath(root any, path string) (any, bool) {
	cur := root
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evalRule applies one rule to the value found at rule.Field under root.
// Missing fields fail every operator except is_empty.
func evalRule(root any, rule Rule) (bool, error) {
	actual, found := lookupPath(root, rule.Field)

	switch rule.Operator {
	case "is_empty":
		return !found || isEmpty(actual), nil
	case "is_not_empty":
		return found && !isEmpty(actual), nil
	}
	if !found {
		return false, nil
	}

	switch rule.Operator {
	case "equals":
		return stringify(actual) == stringify(rule.Value), nil
	case "not_equals":
		return stringify(actual) != stringify(rule.Value), nil
	case "contains":
		return strings.Contains(stringify(actual), stringify(rule.Value)), nil
	case "starts_with":
		return strings.HasPrefix(stringify(actual), stringify(rule.Value)), nil
	case "ends_with":
		return strings.HasSuffix(stringify(actual), stringify(rule.Value)), nil
	case "matches_regex":
		re, err := regexp.Compile(stringify(rule.Value))
		if err != nil {
			return false, flow.Wrap(flow.CodeValidation, "invalid rule regex", err)
		}
		return re.MatchString(stringify(actual)), nil
	case "gt", "lt", "gte", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(rule.Value)
		if !aok || !bok {
			return false, nil
		}
		switch rule.Operator {
		case "gt":
			return a > b, nil
		case "lt":
			return a < b, nil
		case "gte":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case "after", "before":
		a, err1 := time.Parse(time.RFC3339, stringify(actual))
		b, err2 := time.Parse(time.RFC3339, stringify(rule.Value))
		if err1 != nil || err2 != nil {
			return false, nil
		}
		if rule.Operator == "after" {
			return a.After(b), nil
		}
		return a.Before(b), nil
	case "is_true":
		return isTruthy(actual), nil
	case "is_false":
		return !isTruthy(actual), nil
	case "length_equals", "length_gt", "length_lt":
		n, ok := lengthOf(actual)
		if !ok {
			return false, nil
		}
		want, ok := toFloat(rule.Value)
		if !ok {
			return false, nil
		}
		switch rule.Operator {
		case "length_equals":
			return float64(n) == want, nil
		case "length_gt":
			return float64(n) > want, nil
		default:
			return float64(n) < want, nil
		}
	case "expr":
		// Escape hatch: the rule value is an expression evaluated with the
		// field's value bound as "value".
		program, err := expr.Compile(stringify(rule.Value), expr.Env(map[string]any{"value": actual}))
		if err != nil {
			return false, flow.Wrap(flow.CodeValidation, "invalid rule expression", err)
		}
		result, err := expr.Run(program, map[string]any{"value": actual})
		if err != nil {
			return false, flow.Wrap(flow.CodeValidation, "rule expression failed", err)
		}
		return isTruthy(result), nil
	default:
		return false, flow.Errf(flow.CodeValidation, "unknown rule operator %q", rule.Operator)
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

func lengthOf(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		return len(t), true
	case []any:
		return len(t), true
	case map[string]any:
		return len(t), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
