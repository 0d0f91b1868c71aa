// Package model abstracts chat-completion providers behind one interface
// and carries the provider-neutral tuning, pricing, and context-window
// knowledge the agent runtime needs.
package model

import (
	"context"
	"sync"

	"github.com/theuselessai/pipelit/flow/state"
)

// ToolSpec describes a callable tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Schema is a JSON-schema object describing the arguments.
	Schema map[string]any
}

// Options is the per-call tuning resolved from node configuration. Pointer
// fields distinguish "unset" (provider default) from zero.
type Options struct {
	Model        string
	SystemPrompt string

	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64

	// ResponseFormat "json" requests a JSON-object response where the
	// provider supports it.
	ResponseFormat string

	Tools []ToolSpec
}

// ChatOut is one completion: either text, or one-or-more tool calls the
// caller must execute and feed back.
type ChatOut struct {
	Text      string
	ToolCalls []state.ToolCall
	Usage     state.Usage
	Model     string
}

// ChatModel is a chat-completion provider. Implementations must respect
// context cancellation and return flow.CodeProviderError-wrapped failures
// so the retry classifier treats them as transient.
type ChatModel interface {
	Chat(ctx context.Context, messages []state.Message, opts Options) (ChatOut, error)
}

// MockChatModel returns scripted responses in order, recording each call.
// When the script runs out, the last response repeats.
//
// Usage:
//
//	mock := &model.MockChatModel{
//		Responses: []model.ChatOut{
//			{ToolCalls: []state.ToolCall{{Name: "calculator", Args: args}}},
//			{Text: "The answer is 4."},
//		},
//	}
type MockChatModel struct {
	mu        sync.Mutex
	Responses []ChatOut
	Err       error

	calls   int
	History [][]state.Message
	Opts    []Options
}

// Chat pops the next scripted response.
func (m *MockChatModel) Chat(_ context.Context, messages []state.Message, opts Options) (ChatOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	snapshot := make([]state.Message, len(messages))
	copy(snapshot, messages)
	m.History = append(m.History, snapshot)
	m.Opts = append(m.Opts, opts)

	if len(m.Responses) == 0 {
		return ChatOut{Text: "ok", Model: opts.Model}, nil
	}
	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	out := m.Responses[idx]
	if out.Model == "" {
		out.Model = opts.Model
	}
	return out, nil
}

// Calls reports how many completions were served.
func (m *MockChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
