// Package state defines the execution state shared by all nodes of one
// workflow execution, the delta shape nodes produce, and the merge and
// serialisation rules the orchestrator applies between node jobs.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Conversation roles. These align with the provider conventions; "tool"
// carries a tool result back to the model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Usage is per-call token usage reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add folds another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolCall is a model-requested tool invocation attached to an assistant
// message.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry of the LLM conversation carried in execution state.
// It serialises to the dict form (role, content, tool_calls,
// usage_metadata) and back without loss.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Usage      *Usage     `json:"usage_metadata,omitempty"`
}

// LoopState tracks an in-flight loop node: the source list, the current
// iteration, and the results collected from loop_return edges.
type LoopState struct {
	SourceNode string `json:"source_node,omitempty"`
	Items      []any  `json:"items,omitempty"`
	Index      int    `json:"index"`
	Item       any    `json:"item,omitempty"`
	Results    []any  `json:"results,omitempty"`
	Total      int    `json:"total"`
}

// ExecState is the fixed-key state map of one execution. Every node job
// reads the accumulated state from the durable store, runs its component,
// and merges the produced delta back (see Merge).
type ExecState struct {
	Messages      []Message                 `json:"messages"`
	NodeOutputs   map[string]map[string]any `json:"node_outputs"`
	Trigger       map[string]any            `json:"trigger,omitempty"`
	UserContext   map[string]any            `json:"user_context,omitempty"`
	CurrentNode   string                    `json:"current_node,omitempty"`
	ExecutionID   string                    `json:"execution_id"`
	Route         string                    `json:"route,omitempty"`
	BranchResults map[string]any            `json:"branch_results,omitempty"`
	Plan          any                       `json:"plan,omitempty"`
	Output        any                       `json:"output,omitempty"`
	LoopState     *LoopState                `json:"loop_state,omitempty"`
	Error         string                    `json:"error,omitempty"`
	ShouldRetry   bool                      `json:"should_retry,omitempty"`
}

// New builds the initial state written when an execution starts.
func New(executionID string, trigger map[string]any) *ExecState {
	return &ExecState{
		Messages:    []Message{},
		NodeOutputs: map[string]map[string]any{},
		Trigger:     trigger,
		ExecutionID: executionID,
	}
}

// Clone deep-copies the state via a JSON round trip. Node jobs clone before
// handing state to a component so a failed attempt cannot leak partial
// mutations into the durable copy.
func (s *ExecState) Clone() (*ExecState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied ExecState
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	copied.normalize()
	return &copied, nil
}

// NodeOutput returns the named output map of a node, or nil.
func (s *ExecState) NodeOutput(nodeID string) map[string]any {
	if s.NodeOutputs == nil {
		return nil
	}
	return s.NodeOutputs[nodeID]
}

// Lookup resolves a dotted path into the state, e.g.
// "node_outputs.classifier.category", "trigger.text", or "route". Returns
// (nil, false) when any segment is missing.
func (s *ExecState) Lookup(path string) (any, bool) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}

	var cur any = m
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

// normalize restores the invariant that Messages and NodeOutputs are
// non-nil, so serialise→deserialise round trips compare equal.
func (s *ExecState) normalize() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]map[string]any{}
	}
}

// Serialize encodes the state for the durable store.
func Serialize(s *ExecState) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	return data, nil
}

// Deserialize decodes state written by Serialize. Every transition round
// trips through Serialize→Deserialize; the pair must be lossless.
func Deserialize(data []byte) (*ExecState, error) {
	var s ExecState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}
	s.normalize()
	return &s, nil
}
