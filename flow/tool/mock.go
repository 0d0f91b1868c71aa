package tool

import (
	"context"
	"sync"
)

// MockTool is a scriptable tool for tests.
type MockTool struct {
	ToolName    string
	Desc        string
	InputSchema map[string]any
	Response    map[string]any
	Err         error

	// Fn, when set, overrides Response/Err.
	Fn func(ctx context.Context, input map[string]any) (map[string]any, error)

	mu    sync.Mutex
	calls []map[string]any
}

func (m *MockTool) Name() string { return m.ToolName }

func (m *MockTool) Description() string { return m.Desc }

func (m *MockTool) Schema() map[string]any {
	if m.InputSchema != nil {
		return m.InputSchema
	}
	return objectSchema(map[string]any{})
}

func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, input)
	m.mu.Unlock()
	if m.Fn != nil {
		return m.Fn(ctx, input)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Response, nil
}

// Calls returns the inputs the tool has received so far.
func (m *MockTool) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}
