package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/store"
)

type dispatchRecorder struct {
	workflow *flow.Workflow
	nodeID   string
	payload  map[string]any
}

func (r *dispatchRecorder) start(_ context.Context, w *flow.Workflow, nodeID string, payload map[string]any, _ *int64) (string, error) {
	r.workflow = w
	r.nodeID = nodeID
	r.payload = payload
	return "exec-1", nil
}

func telegramWorkflow(id int64, slug string, nodeID string, priority int, triggerCfg map[string]any) *flow.Workflow {
	return &flow.Workflow{
		ID: id, Slug: slug, Name: slug, IsActive: true, UpdatedAt: time.Now(),
		Nodes: []*flow.Node{
			{
				ID: id * 10, WorkflowID: id, NodeID: nodeID, ComponentType: flow.TypeTriggerTelegram,
				Config: &flow.ComponentConfig{
					ComponentType: flow.TypeTriggerTelegram,
					IsActive:      true,
					Priority:      priority,
					TriggerConfig: triggerCfg,
				},
			},
		},
	}
}

func TestCommandTriggerWinsByPriority(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, telegramWorkflow(1, "catch-all", "t1", 0, nil)))
	require.NoError(t, st.SaveWorkflow(ctx, telegramWorkflow(2, "deployer", "t2", 10, map[string]any{"command": "deploy"})))

	rec := &dispatchRecorder{}
	r := New(st, rec.start)

	execID, err := r.Dispatch(ctx, Event{
		Source:  SourceTelegram,
		Payload: map[string]any{"text": "/deploy api"},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", execID)
	assert.Equal(t, "deployer", rec.workflow.Slug)
	assert.Equal(t, "t2", rec.nodeID)

	// Plain text skips the command trigger and lands on the catch-all.
	_, err = r.Dispatch(ctx, Event{
		Source:  SourceTelegram,
		Payload: map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "catch-all", rec.workflow.Slug)
}

func TestAllowedUserFilter(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, telegramWorkflow(1, "private", "t1", 5, map[string]any{
		"allowed_user_ids": []any{"42", float64(99)},
	})))

	rec := &dispatchRecorder{}
	r := New(st, rec.start)

	_, err := r.Dispatch(ctx, Event{
		Source:  SourceTelegram,
		Payload: map[string]any{"external_user_id": "99", "text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "private", rec.workflow.Slug)

	_, err = r.Dispatch(ctx, Event{
		Source:  SourceTelegram,
		Payload: map[string]any{"external_user_id": "7", "text": "hi"},
	})
	require.Error(t, err)
	assert.Equal(t, flow.CodeTriggerNotMatched, flow.ErrorCode(err))
}

func TestPatternFilter(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, telegramWorkflow(1, "tickets", "t1", 0, map[string]any{
		"pattern": `(?i)^ticket-\d+`,
	})))

	rec := &dispatchRecorder{}
	r := New(st, rec.start)

	_, err := r.Dispatch(ctx, Event{Source: SourceTelegram, Payload: map[string]any{"text": "TICKET-123 broken login"}})
	require.NoError(t, err)
	assert.Equal(t, "tickets", rec.workflow.Slug)

	_, err = r.Dispatch(ctx, Event{Source: SourceTelegram, Payload: map[string]any{"text": "nothing relevant"}})
	require.Error(t, err)
	assert.Equal(t, flow.CodeTriggerNotMatched, flow.ErrorCode(err))
}

func TestWebhookPathRouting(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	w := &flow.Workflow{
		ID: 1, Slug: "hooks", Name: "Hooks", IsActive: true, UpdatedAt: time.Now(),
		Nodes: []*flow.Node{
			{
				ID: 1, WorkflowID: 1, NodeID: "hook", ComponentType: flow.TypeTriggerWebhook,
				Config: &flow.ComponentConfig{
					ComponentType: flow.TypeTriggerWebhook,
					IsActive:      true,
					TriggerConfig: map[string]any{"path": "/deploys/prod"},
				},
			},
		},
	}
	require.NoError(t, st.SaveWorkflow(ctx, w))

	rec := &dispatchRecorder{}
	r := New(st, rec.start)

	_, err := r.Dispatch(ctx, Event{Source: SourceWebhook, Payload: map[string]any{"path": "deploys/prod"}})
	require.NoError(t, err)
	assert.Equal(t, "hook", rec.nodeID)

	_, err = r.Dispatch(ctx, Event{Source: SourceWebhook, Payload: map[string]any{"path": "deploys/staging"}})
	require.Error(t, err)
	assert.Equal(t, flow.CodeTriggerNotMatched, flow.ErrorCode(err))
}

func TestWorkflowTriggerSourceEquality(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	w := &flow.Workflow{
		ID: 1, Slug: "downstream", Name: "Downstream", IsActive: true, UpdatedAt: time.Now(),
		Nodes: []*flow.Node{
			{
				ID: 1, WorkflowID: 1, NodeID: "on-up", ComponentType: flow.TypeTriggerWorkflow,
				Config: &flow.ComponentConfig{
					ComponentType: flow.TypeTriggerWorkflow,
					IsActive:      true,
					TriggerConfig: map[string]any{"source_workflow": "upstream"},
				},
			},
		},
	}
	require.NoError(t, st.SaveWorkflow(ctx, w))

	rec := &dispatchRecorder{}
	r := New(st, rec.start)

	_, err := r.Dispatch(ctx, Event{Source: SourceWorkflow, Payload: map[string]any{"source_workflow_slug": "upstream"}})
	require.NoError(t, err)
	assert.Equal(t, "downstream", rec.workflow.Slug)

	_, err = r.Dispatch(ctx, Event{Source: SourceWorkflow, Payload: map[string]any{"source_workflow_slug": "someone-else"}})
	require.Error(t, err)
	assert.Equal(t, flow.CodeTriggerNotMatched, flow.ErrorCode(err))
}

func TestDefaultWorkflowFallback(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	def := &flow.Workflow{ID: 1, Slug: "assistant", Name: "Assistant", IsActive: true, IsDefault: true, UpdatedAt: time.Now()}
	require.NoError(t, st.SaveWorkflow(ctx, def))

	rec := &dispatchRecorder{}
	r := New(st, rec.start)

	_, err := r.Dispatch(ctx, Event{Source: SourceTelegram, Payload: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "assistant", rec.workflow.Slug)
	assert.Empty(t, rec.nodeID, "fallback compiles the whole workflow")

	// Webhooks never fall back; an unmatched webhook drops.
	_, err = r.Dispatch(ctx, Event{Source: SourceWebhook, Payload: map[string]any{"path": "x"}})
	require.Error(t, err)
	assert.Equal(t, flow.CodeTriggerNotMatched, flow.ErrorCode(err))
}

func TestInactiveTriggerIgnored(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()
	w := telegramWorkflow(1, "sleepy", "t1", 0, nil)
	w.Nodes[0].Config.IsActive = false
	require.NoError(t, st.SaveWorkflow(ctx, w))

	r := New(st, (&dispatchRecorder{}).start)
	_, err := r.Dispatch(ctx, Event{Source: SourceTelegram, Payload: map[string]any{"text": "hi"}})
	require.Error(t, err)
	assert.Equal(t, flow.CodeTriggerNotMatched, flow.ErrorCode(err))
}

func TestUnknownSourceRejected(t *testing.T) {
	r := New(store.NewMemStore(), (&dispatchRecorder{}).start)
	_, err := r.Dispatch(context.Background(), Event{Source: "carrier-pigeon"})
	require.Error(t, err)
	assert.Equal(t, flow.CodeValidation, flow.ErrorCode(err))
}
