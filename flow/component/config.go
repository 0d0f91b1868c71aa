package component

import (
	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/template"
)

// renderedExtra resolves a node's extra config against the current state:
// every {{ ... }} placeholder in string values is substituted at run time.
func renderedExtra(node *flow.Node, s *state.ExecState) map[string]any {
	if node.Config == nil || node.Config.ExtraConfig == nil {
		return map[string]any{}
	}
	return template.RenderMap(s, node.Config.ExtraConfig)
}

// extraString reads a string field from rendered extra config.
func extraString(extra map[string]any, key string) string {
	s, _ := extra[key].(string)
	return s
}

// extraBool reads a boolean field, tolerating JSON's tendency to hand back
// strings.
func extraBool(extra map[string]any, key string) bool {
	switch v := extra[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	default:
		return false
	}
}

// extraInt reads an integer field; JSON decoding produces float64.
func extraInt(extra map[string]any, key string, fallback int) int {
	switch v := extra[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// extraList reads a list field.
func extraList(extra map[string]any, key string) []any {
	l, _ := extra[key].([]any)
	return l
}

// extraStrings reads a list field as strings, skipping non-strings.
func extraStrings(extra map[string]any, key string) []string {
	var out []string
	for _, v := range extraList(extra, key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
