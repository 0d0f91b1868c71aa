// Package template renders the mustache-style expressions embedded in node
// configuration strings, e.g. "Summarise: {{ classifier.category | upper }}".
// Paths resolve against the execution state; bare paths are looked up in
// node_outputs first, so "{{ a.output }}" reads node a's output port.
//
// Rendering is best effort: an undefined variable or a malformed expression
// leaves the whole source string unchanged. Configuration authors see their
// literal text rather than a half-substituted hybrid.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/theuselessai/pipelit/flow/state"
)

var exprPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes every {{ expression }} in src against s. On any
// resolution or filter error the original src is returned verbatim.
func Render(s *state.ExecState, src string) string {
	out, err := render(s, src)
	if err != nil {
		return src
	}
	return out
}

// RenderMap renders every string value of m, recursing into nested maps and
// slices. Non-string leaves pass through untouched. The input is not
// mutated.
func RenderMap(s *state.ExecState, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = renderValue(s, v)
	}
	return out
}

func renderValue(s *state.ExecState, v any) any {
	switch t := v.(type) {
	case string:
		return Render(s, t)
	case map[string]any:
		return RenderMap(s, t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(s, item)
		}
		return out
	default:
		return v
	}
}

func render(s *state.ExecState, src string) (string, error) {
	var firstErr error
	out := exprPattern.ReplaceAllStringFunc(src, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])
		val, err := eval(s, expr)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// eval resolves "path | filter | filter:arg" pipelines.
func eval(s *state.ExecState, expr string) (any, error) {
	parts := strings.Split(expr, "|")
	path := strings.TrimSpace(parts[0])
	if path == "" {
		return nil, fmt.Errorf("empty expression")
	}

	val, ok := resolve(s, path)

	for _, raw := range parts[1:] {
		name, arg := splitFilter(strings.TrimSpace(raw))
		var err error
		val, ok, err = applyFilter(name, arg, val, ok)
		if err != nil {
			return nil, err
		}
	}

	if !ok {
		return nil, fmt.Errorf("undefined variable %q", path)
	}
	return val, nil
}

// resolve looks the dotted path up in state. Reserved top-level keys address
// the state directly; anything else is treated as a node id under
// node_outputs.
func resolve(s *state.ExecState, path string) (any, bool) {
	head := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		head = path[:i]
	}
	switch head {
	case "trigger", "node_outputs", "user_context", "route", "output",
		"messages", "execution_id", "current_node", "plan", "branch_results",
		"loop_state", "error":
		return s.Lookup(path)
	}
	return s.Lookup("node_outputs." + path)
}

func splitFilter(raw string) (name, arg string) {
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}
	return raw, ""
}

func applyFilter(name, arg string, val any, defined bool) (any, bool, error) {
	switch name {
	case "upper":
		return strings.ToUpper(stringify(val)), defined, nil
	case "lower":
		return strings.ToLower(stringify(val)), defined, nil
	case "trim":
		return strings.TrimSpace(stringify(val)), defined, nil
	case "json":
		data, err := json.Marshal(val)
		if err != nil {
			return nil, false, err
		}
		return string(data), defined, nil
	case "default":
		// Undefined or empty resolves to the argument; the expression is
		// defined either way.
		if !defined || stringify(val) == "" {
			return strings.Trim(arg, `"'`), true, nil
		}
		return val, true, nil
	case "ternary":
		// ternary:yes,no picks on truthiness of the piped value.
		yes, no, found := strings.Cut(arg, ",")
		if !found {
			return nil, false, fmt.Errorf("ternary needs two arguments")
		}
		if truthy(val, defined) {
			return strings.Trim(strings.TrimSpace(yes), `"'`), true, nil
		}
		return strings.Trim(strings.TrimSpace(no), `"'`), true, nil
	default:
		return nil, false, fmt.Errorf("unknown filter %q", name)
	}
}

func truthy(val any, defined bool) bool {
	if !defined || val == nil {
		return false
	}
	switch t := val.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(val any) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers render without a trailing .0 when integral.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
