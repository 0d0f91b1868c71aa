package template

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theuselessai/pipelit/flow/state"
)

func testState() *state.ExecState {
	s := state.New("exec-1", map[string]any{"text": "hello world", "chat_id": "42"})
	s.NodeOutputs["classifier"] = map[string]any{"category": "chat", "confidence": float64(0.9)}
	s.NodeOutputs["calc"] = map[string]any{"output": float64(4)}
	s.Route = "chat"
	return s
}

func TestRender(t *testing.T) {
	s := testState()

	cases := []struct {
		name, src, want string
	}{
		{"trigger field", "got: {{ trigger.text }}", "got: hello world"},
		{"bare node path", "cat={{ classifier.category }}", "cat=chat"},
		{"explicit node_outputs", "{{ node_outputs.classifier.category }}", "chat"},
		{"reserved key", "route is {{ route }}", "route is chat"},
		{"numeric output", "result: {{ calc.output }}", "result: 4"},
		{"upper filter", "{{ classifier.category | upper }}", "CHAT"},
		{"lower filter", "{{ trigger.text | upper | lower }}", "hello world"},
		{"default on defined", "{{ classifier.category | default:none }}", "chat"},
		{"default on undefined", "{{ missing.port | default:none }}", "none"},
		{"ternary truthy", "{{ classifier.category | ternary:yes,no }}", "yes"},
		{"ternary undefined", "{{ missing.port | ternary:yes,no }}", "no"},
		{"multiple expressions", "{{ trigger.chat_id }}/{{ route }}", "42/chat"},
		{"no expressions", "plain text", "plain text"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(s, tc.src))
		})
	}
}

func TestRenderErrorsReturnSource(t *testing.T) {
	s := testState()

	// Undefined variable without a default leaves the whole string alone.
	src := "before {{ nope.port }} after {{ trigger.text }}"
	assert.Equal(t, src, Render(s, src))

	src = "{{ trigger.text | frobnicate }}"
	assert.Equal(t, src, Render(s, src))

	src = "{{ classifier.category | ternary:onlyone }}"
	assert.Equal(t, src, Render(s, src))
}

func TestRenderMap(t *testing.T) {
	s := testState()
	in := map[string]any{
		"url":    "https://api.example.com/{{ trigger.chat_id }}",
		"count":  3,
		"nested": map[string]any{"q": "{{ classifier.category }}"},
		"list":   []any{"{{ route }}", 7},
	}

	out := RenderMap(s, in)
	assert.Equal(t, "https://api.example.com/42", out["url"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "chat", out["nested"].(map[string]any)["q"])
	assert.Equal(t, "chat", out["list"].([]any)[0])

	// Input untouched.
	assert.Equal(t, "https://api.example.com/{{ trigger.chat_id }}", in["url"])
}
