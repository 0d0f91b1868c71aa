package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/component"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/queue"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/store"
)

// typeProbe is a test-only component type whose behaviour each test scripts
// per node id.
const typeProbe = flow.ComponentType("probe")

type harness struct {
	orch   *Orchestrator
	pool   *queue.Pool
	store  *store.MemStore
	events *emit.BufferedEmitter
	queue  *queue.MemoryQueue

	mu    sync.Mutex
	calls map[string]int
}

func newHarness(t *testing.T, behaviors map[string]component.RunnerFunc) *harness {
	t.Helper()
	st := store.NewMemStore()
	events := emit.NewBufferedEmitter()
	q := queue.NewMemoryQueue()

	h := &harness{
		store:  st,
		events: events,
		queue:  q,
		calls:  map[string]int{},
	}

	deps := &component.Deps{Store: st, Emitter: events}
	registry := component.NewRegistry(deps)
	registry.Register(typeProbe, func(node *flow.Node, _ *component.Deps) (component.Runner, error) {
		fn, ok := behaviors[node.NodeID]
		if !ok {
			t.Fatalf("no behavior scripted for node %s", node.NodeID)
		}
		return component.RunnerFunc(func(ctx context.Context, rc *component.RunContext) (state.Delta, error) {
			h.mu.Lock()
			h.calls[node.NodeID]++
			h.mu.Unlock()
			return fn(ctx, rc)
		}), nil
	})

	h.orch = New(st, q, queue.NewMemoryLocker(), registry, events, nil, Config{
		RetryBase: time.Nanosecond,
		RetryMax:  time.Nanosecond,
	})
	h.pool = queue.NewPool(q, 1, queue.QueueWorkflows)
	h.orch.Register(h.pool)
	return h
}

func (h *harness) callCount(nodeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[nodeID]
}

func (h *harness) save(t *testing.T, w *flow.Workflow) *flow.Workflow {
	t.Helper()
	require.NoError(t, h.store.SaveWorkflow(context.Background(), w))
	return w
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, h.pool.Drain(context.Background()))
}

func (h *harness) start(t *testing.T, w *flow.Workflow, payload map[string]any) *flow.WorkflowExecution {
	t.Helper()
	exec, err := h.orch.StartExecution(context.Background(), w, StartOptions{
		TriggerNodeID: "trig",
		Payload:       payload,
	})
	require.NoError(t, err)
	h.drain(t)
	return h.reload(t, exec.ExecutionID)
}

func (h *harness) reload(t *testing.T, execID string) *flow.WorkflowExecution {
	t.Helper()
	exec, err := h.store.GetExecution(context.Background(), execID)
	require.NoError(t, err)
	return exec
}

func (h *harness) logs(t *testing.T, execID string) []*flow.ExecutionLog {
	t.Helper()
	logs, err := h.store.ListLogs(context.Background(), execID)
	require.NoError(t, err)
	return logs
}

func (h *harness) execState(t *testing.T, execID string) *state.ExecState {
	t.Helper()
	data, err := h.store.LoadState(context.Background(), execID)
	require.NoError(t, err)
	s, err := state.Deserialize(data)
	require.NoError(t, err)
	return s
}

func probeNode(dbID int64, nodeID string) *flow.Node {
	return &flow.Node{ID: dbID, WorkflowID: 1, NodeID: nodeID, ComponentType: typeProbe, UpdatedAt: time.Now()}
}

func trigNode(dbID int64) *flow.Node {
	return &flow.Node{ID: dbID, WorkflowID: 1, NodeID: "trig", ComponentType: flow.TypeTriggerManual, UpdatedAt: time.Now()}
}

func edge(id int64, src, tgt string) *flow.Edge {
	return &flow.Edge{ID: id, WorkflowID: 1, SourceNodeID: src, TargetNodeID: tgt, EdgeType: flow.EdgeDirect}
}

func condEdge(id int64, src, tgt, value string) *flow.Edge {
	return &flow.Edge{ID: id, WorkflowID: 1, SourceNodeID: src, TargetNodeID: tgt,
		EdgeType: flow.EdgeConditional, ConditionValue: value}
}

func labeledEdge(id int64, src, tgt string, label flow.EdgeLabel) *flow.Edge {
	return &flow.Edge{ID: id, WorkflowID: 1, SourceNodeID: src, TargetNodeID: tgt,
		EdgeType: flow.EdgeDirect, EdgeLabel: label}
}

func mainWorkflow(nodes []*flow.Node, edges []*flow.Edge) *flow.Workflow {
	return &flow.Workflow{
		ID: 1, Slug: "main", Name: "Main", IsActive: true,
		UpdatedAt: time.Now(), Nodes: nodes, Edges: edges,
	}
}

func answer(nodeID, value string) component.RunnerFunc {
	return func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
		return state.Delta{
			NodeOutputs: map[string]map[string]any{nodeID: {"value": value}},
			Output:      value,
		}, nil
	}
}

func TestLinearExecutionCompletes(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"a": answer("a", "A"),
		"b": func(_ context.Context, rc *component.RunContext) (state.Delta, error) {
			upstream, _ := rc.State.NodeOutput("a")["value"].(string)
			return state.Delta{
				NodeOutputs: map[string]map[string]any{"b": {"value": upstream + "+B"}},
				Output:      upstream + "+B",
			}, nil
		},
	})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "a"), probeNode(3, "b")},
		[]*flow.Edge{edge(1, "trig", "a"), edge(2, "a", "b")},
	))

	exec := h.start(t, w, map[string]any{"text": "go"})

	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, "A+B", exec.FinalOutput["output"])
	assert.Equal(t, 1, h.callCount("a"))
	assert.Equal(t, 1, h.callCount("b"))

	var order []string
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status == flow.LogSuccess {
			order = append(order, l.NodeID)
		}
	}
	assert.Equal(t, []string{"a", "b"}, order)

	events := h.events.History(emit.ExecutionChannel(exec.ExecutionID))
	require.NotEmpty(t, events)
	assert.Equal(t, emit.EventExecutionStarted, events[0].Type)
	assert.Equal(t, emit.EventExecutionCompleted, events[len(events)-1].Type)
}

func TestDiamondFanInRunsJoinOnce(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"a": answer("a", "A"),
		"b": answer("b", "B"),
		"c": answer("c", "C"),
		"d": answer("d", "D"),
	})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "a"), probeNode(3, "b"), probeNode(4, "c"), probeNode(5, "d")},
		[]*flow.Edge{
			edge(1, "trig", "a"),
			edge(2, "a", "b"), edge(3, "a", "c"),
			edge(4, "b", "d"), edge(5, "c", "d"),
		},
	))

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("d"))
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, h.callCount(id), "node %s", id)
	}
}

func TestConditionalRoutingSkipsOtherBranch(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"greet": answer("greet", "hi there"),
		"other": answer("other", "never"),
	})
	routerNode := &flow.Node{
		ID: 2, WorkflowID: 1, NodeID: "route", ComponentType: flow.TypeRouter,
		UpdatedAt: time.Now(),
		Config: &flow.ComponentConfig{
			ComponentType: flow.TypeRouter,
			ExtraConfig: map[string]any{
				"rules": []any{
					map[string]any{"id": "greeting", "field": "trigger.text", "operator": "contains", "value": "hello"},
				},
				"fallback_enabled": true,
			},
		},
	}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), routerNode, probeNode(3, "greet"), probeNode(4, "other")},
		[]*flow.Edge{
			edge(1, "trig", "route"),
			condEdge(2, "route", "greet", "greeting"),
			condEdge(3, "route", "other", flow.RouteOther),
		},
	))

	exec := h.start(t, w, map[string]any{"text": "hello world"})

	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("greet"))
	assert.Equal(t, 0, h.callCount("other"))

	statuses := map[string]flow.LogStatus{}
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status.TerminalLog() {
			statuses[l.NodeID] = l.Status
		}
	}
	assert.Equal(t, flow.LogSuccess, statuses["greet"])
	assert.Equal(t, flow.LogSkipped, statuses["other"])
}

func TestHumanConfirmationRoundTrip(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"yes": answer("yes", "deployed"),
		"no":  answer("no", "aborted"),
	})
	confirm := &flow.Node{
		ID: 2, WorkflowID: 1, NodeID: "confirm", ComponentType: flow.TypeHumanConfirmation,
		UpdatedAt: time.Now(),
		Config:    &flow.ComponentConfig{ComponentType: flow.TypeHumanConfirmation, SystemPrompt: "Deploy to production?"},
	}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), confirm, probeNode(3, "yes"), probeNode(4, "no")},
		[]*flow.Edge{
			edge(1, "trig", "confirm"),
			condEdge(2, "confirm", "yes", component.DecisionConfirmed),
			condEdge(3, "confirm", "no", component.DecisionCancelled),
		},
	))

	exec := h.start(t, w, map[string]any{"external_chat_id": "chat-9"})
	require.Equal(t, flow.ExecInterrupted, exec.Status)

	var taskID string
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status == flow.LogInterrupted {
			taskID, _ = l.Metadata["task_id"].(string)
		}
	}
	require.NotEmpty(t, taskID)
	require.Len(t, taskID, 8)

	task, err := h.store.GetPendingTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "Deploy to production?", task.Prompt)
	assert.Equal(t, "chat-9", task.ExternalChatID)

	require.NoError(t, h.orch.ResumePendingTask(context.Background(), taskID, "yes"))
	h.drain(t)

	exec = h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("yes"))
	assert.Equal(t, 0, h.callCount("no"))

	s := h.execState(t, exec.ExecutionID)
	assert.Equal(t, component.DecisionConfirmed, s.NodeOutput("confirm")["decision"])

	_, err = h.store.GetPendingTask(context.Background(), taskID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func spawnBehavior() component.RunnerFunc {
	return func(_ context.Context, rc *component.RunContext) (state.Delta, error) {
		if rc.Execution.ParentExecutionID != nil {
			text, _ := rc.State.Trigger["text"].(string)
			return state.Delta{
				NodeOutputs: map[string]map[string]any{"boss": {"value": "child:" + text}},
				Output:      "child:" + text,
			}, nil
		}
		if rc.ResumeInput != nil {
			results, _ := rc.ResumeInput.([]any)
			return state.Delta{
				NodeOutputs: map[string]map[string]any{"boss": {"results": results}},
				Output:      results,
			}, nil
		}
		return state.Delta{
			Spawn: &state.SpawnRequest{Tasks: []state.SpawnTask{
				{WorkflowSlug: SpawnSelfSlug, InputText: "one"},
				{WorkflowSlug: SpawnSelfSlug, InputText: "two"},
			}},
			Suspend: &state.Suspend{Kind: state.SuspendAgent},
		}, nil
	}
}

func TestSpawnAndAwaitOrderedResults(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{"boss": spawnBehavior()})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "boss")},
		[]*flow.Edge{edge(1, "trig", "boss")},
	))

	exec := h.start(t, w, map[string]any{"text": "fan out"})
	assert.Equal(t, flow.ExecCompleted, exec.Status)

	children, err := h.store.ListChildren(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, flow.ExecCompleted, child.Status)
		assert.Equal(t, child.ExecutionID, child.ThreadID)
		assert.Equal(t, "boss", child.ParentNodeID)
	}

	s := h.execState(t, exec.ExecutionID)
	results, ok := s.NodeOutput("boss")["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	first, _ := results[0].(map[string]any)
	second, _ := results[1].(map[string]any)
	assert.Equal(t, "child:one", first["output"])
	assert.Equal(t, "child:two", second["output"])

	_, err = h.store.GetChildWait(context.Background(), exec.ExecutionID, "boss")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSpawnFailedChildMarksResult(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"boss": func(_ context.Context, rc *component.RunContext) (state.Delta, error) {
			if rc.Execution.ParentExecutionID != nil {
				return state.Delta{}, flow.Errf(flow.CodeValidation, "child blew up")
			}
			if rc.ResumeInput != nil {
				results, _ := rc.ResumeInput.([]any)
				return state.Delta{NodeOutputs: map[string]map[string]any{"boss": {"results": results}}}, nil
			}
			return state.Delta{
				Spawn:   &state.SpawnRequest{Tasks: []state.SpawnTask{{WorkflowSlug: SpawnSelfSlug, InputText: "doomed"}}},
				Suspend: &state.Suspend{Kind: state.SuspendAgent},
			}, nil
		},
	})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "boss")},
		[]*flow.Edge{edge(1, "trig", "boss")},
	))

	exec := h.start(t, w, nil)
	assert.Equal(t, flow.ExecCompleted, exec.Status)

	s := h.execState(t, exec.ExecutionID)
	results, ok := s.NodeOutput("boss")["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	failed, _ := results[0].(map[string]any)
	assert.Contains(t, failed["_error"], "child blew up")
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	var attempts int
	h := newHarness(t, map[string]component.RunnerFunc{
		"flaky": func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
			attempts++
			if attempts == 1 {
				return state.Delta{}, flow.Errf(flow.CodeProviderError, "upstream hiccup")
			}
			return state.Delta{Output: "recovered"}, nil
		},
	})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "flaky")},
		[]*flow.Edge{edge(1, "trig", "flaky")},
	))

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 2, attempts)

	var failed, succeeded *flow.ExecutionLog
	for _, l := range h.logs(t, exec.ExecutionID) {
		switch l.Status {
		case flow.LogFailed:
			failed = l
		case flow.LogSuccess:
			succeeded = l
		}
	}
	require.NotNil(t, failed)
	require.NotNil(t, succeeded)
	assert.Equal(t, flow.CodeProviderError, failed.ErrorCode)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, 1, succeeded.RetryCount)
}

func TestRetryExhaustionFailsExecution(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"flaky": func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
			return state.Delta{}, flow.Errf(flow.CodeProviderError, "still down")
		},
	})
	flaky := probeNode(2, "flaky")
	two := 2
	flaky.Config = &flow.ComponentConfig{ComponentType: typeProbe, MaxRetries: &two, UpdatedAt: time.Now()}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), flaky},
		[]*flow.Edge{edge(1, "trig", "flaky")},
	))

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecFailed, exec.Status)
	assert.Equal(t, 3, h.callCount("flaky"))
	assert.Contains(t, exec.ErrorMessage, flow.CodeProviderError)

	var retryCounts []int
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status == flow.LogFailed {
			retryCounts = append(retryCounts, l.RetryCount)
		}
	}
	assert.Equal(t, []int{0, 1, 2}, retryCounts)
}

func TestTerminalFailureFiresErrorHandler(t *testing.T) {
	var handlerTrigger map[string]any
	h := newHarness(t, map[string]component.RunnerFunc{
		"broken": func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
			return state.Delta{}, flow.Errf(flow.CodeValidation, "bad input")
		},
		"handle": func(_ context.Context, rc *component.RunContext) (state.Delta, error) {
			handlerTrigger = rc.State.Trigger
			return state.Delta{Output: "handled"}, nil
		},
	})

	handlerID := int64(2)
	handler := &flow.Workflow{
		ID: handlerID, Slug: "on-error", Name: "On Error", IsActive: true, UpdatedAt: time.Now(),
		Nodes: []*flow.Node{
			{ID: 10, WorkflowID: handlerID, NodeID: "err-trig", ComponentType: flow.TypeTriggerError, UpdatedAt: time.Now()},
			{ID: 11, WorkflowID: handlerID, NodeID: "handle", ComponentType: typeProbe, UpdatedAt: time.Now()},
		},
		Edges: []*flow.Edge{
			{ID: 20, WorkflowID: handlerID, SourceNodeID: "err-trig", TargetNodeID: "handle", EdgeType: flow.EdgeDirect},
		},
	}
	h.save(t, handler)

	w := mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "broken")},
		[]*flow.Edge{edge(1, "trig", "broken")},
	)
	w.ErrorHandlerWorkflowID = &handlerID
	h.save(t, w)

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "bad input")
	assert.Equal(t, 1, h.callCount("broken"), "terminal errors never retry")

	require.NotNil(t, handlerTrigger)
	assert.Equal(t, flow.CodeValidation, handlerTrigger["error_code"])
	assert.Equal(t, exec.ExecutionID, handlerTrigger["source_execution"])
}

func TestInterruptBeforeHumanConfirmationMintsTicket(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"prep": answer("prep", "ready"),
		"yes":  answer("yes", "deployed"),
	})
	confirm := &flow.Node{
		ID: 3, WorkflowID: 1, NodeID: "confirm", ComponentType: flow.TypeHumanConfirmation,
		InterruptBefore: true, UpdatedAt: time.Now(),
		Config: &flow.ComponentConfig{ComponentType: flow.TypeHumanConfirmation, SystemPrompt: "Proceed with rollout?"},
	}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "prep"), confirm, probeNode(4, "yes")},
		[]*flow.Edge{
			edge(1, "trig", "prep"),
			edge(2, "prep", "confirm"),
			condEdge(3, "confirm", "yes", component.DecisionConfirmed),
		},
	))

	exec := h.start(t, w, nil)
	require.Equal(t, flow.ExecInterrupted, exec.Status)
	assert.Equal(t, 1, h.callCount("prep"))

	// The pause happens before the node runs, yet the answer still needs an
	// address: the interrupted log carries a ticket minted from the node
	// config prompt.
	var taskID string
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status == flow.LogInterrupted {
			taskID, _ = l.Metadata["task_id"].(string)
		}
	}
	require.NotEmpty(t, taskID)
	require.Len(t, taskID, 8)

	task, err := h.store.GetPendingTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "Proceed with rollout?", task.Prompt)
	assert.Equal(t, "confirm", task.NodeID)

	require.NoError(t, h.orch.ResumePendingTask(context.Background(), taskID, "yes"))
	h.drain(t)

	exec = h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("yes"))

	s := h.execState(t, exec.ExecutionID)
	assert.Equal(t, component.DecisionConfirmed, s.NodeOutput("confirm")["decision"])
}

func TestDeltaErrorWithoutRetryFailsExecution(t *testing.T) {
	noRetry := false
	h := newHarness(t, map[string]component.RunnerFunc{
		"soft": func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
			return state.Delta{Error: "script exited 2", ShouldRetry: &noRetry}, nil
		},
	})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "soft")},
		[]*flow.Edge{edge(1, "trig", "soft")},
	))

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecFailed, exec.Status)
	assert.Equal(t, 1, h.callCount("soft"))

	var failedCode string
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status == flow.LogFailed {
			failedCode = l.ErrorCode
		}
	}
	assert.Equal(t, flow.CodeUnrecoverable, failedCode)
}

func TestInterruptBeforePausesWithoutRunning(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"gate": answer("gate", "through"),
	})
	gate := probeNode(2, "gate")
	gate.InterruptBefore = true
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), gate},
		[]*flow.Edge{edge(1, "trig", "gate")},
	))

	exec := h.start(t, w, nil)
	require.Equal(t, flow.ExecInterrupted, exec.Status)
	assert.Equal(t, 0, h.callCount("gate"))

	require.NoError(t, h.orch.ResumeExecution(context.Background(), exec.ExecutionID, nil, ""))
	h.drain(t)

	exec = h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("gate"))
}

func TestInterruptAfterContinuesFromRecordedSuccessors(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"first":  answer("first", "1"),
		"second": answer("second", "2"),
	})
	first := probeNode(2, "first")
	first.InterruptAfter = true
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), first, probeNode(3, "second")},
		[]*flow.Edge{edge(1, "trig", "first"), edge(2, "first", "second")},
	))

	exec := h.start(t, w, nil)
	require.Equal(t, flow.ExecInterrupted, exec.Status)
	assert.Equal(t, 1, h.callCount("first"))
	assert.Equal(t, 0, h.callCount("second"))

	require.NoError(t, h.orch.ResumeExecution(context.Background(), exec.ExecutionID, nil, ""))
	h.drain(t)

	exec = h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 1, h.callCount("first"), "interrupt_after must not re-run the node")
	assert.Equal(t, 1, h.callCount("second"))
}

func TestLoopIteratesSequentially(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"seed": func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
			return state.Delta{NodeOutputs: map[string]map[string]any{
				"seed": {"items": []any{"x", "y", "z"}},
			}}, nil
		},
		"body": func(_ context.Context, rc *component.RunContext) (state.Delta, error) {
			require.NotNil(t, rc.State.LoopState)
			item, _ := rc.State.LoopState.Item.(string)
			return state.Delta{Output: "done:" + item}, nil
		},
		"sink": answer("sink", "finished"),
	})
	loopNode := &flow.Node{
		ID: 3, WorkflowID: 1, NodeID: "each", ComponentType: flow.TypeLoop, UpdatedAt: time.Now(),
		Config: &flow.ComponentConfig{
			ComponentType: flow.TypeLoop,
			ExtraConfig:   map[string]any{"source_node": "seed"},
		},
	}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "seed"), loopNode, probeNode(4, "body"), probeNode(5, "sink")},
		[]*flow.Edge{
			edge(1, "trig", "seed"),
			edge(2, "seed", "each"),
			labeledEdge(3, "each", "body", flow.LabelLoopBody),
			labeledEdge(4, "body", "each", flow.LabelLoopReturn),
			edge(5, "each", "sink"),
		},
	))

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 3, h.callCount("body"))
	assert.Equal(t, 1, h.callCount("sink"))

	s := h.execState(t, exec.ExecutionID)
	assert.Nil(t, s.LoopState)
	results, ok := s.NodeOutput("each")["results"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"done:x", "done:y", "done:z"}, results)
}

func TestLoopCompletionRoutesConditionally(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"seed": func(_ context.Context, _ *component.RunContext) (state.Delta, error) {
			return state.Delta{NodeOutputs: map[string]map[string]any{
				"seed": {"items": []any{"x", "y"}},
			}}, nil
		},
		"body": func(_ context.Context, rc *component.RunContext) (state.Delta, error) {
			item, _ := rc.State.LoopState.Item.(string)
			return state.Delta{Output: "done:" + item, Route: state.RouteTo("ship")}, nil
		},
		"ship": answer("ship", "shipped"),
		"hold": answer("hold", "held"),
	})
	loopNode := &flow.Node{
		ID: 3, WorkflowID: 1, NodeID: "each", ComponentType: flow.TypeLoop, UpdatedAt: time.Now(),
		Config: &flow.ComponentConfig{
			ComponentType: flow.TypeLoop,
			ExtraConfig:   map[string]any{"source_node": "seed"},
		},
	}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "seed"), loopNode, probeNode(4, "body"),
			probeNode(5, "ship"), probeNode(6, "hold")},
		[]*flow.Edge{
			edge(1, "trig", "seed"),
			edge(2, "seed", "each"),
			labeledEdge(3, "each", "body", flow.LabelLoopBody),
			labeledEdge(4, "body", "each", flow.LabelLoopReturn),
			condEdge(5, "each", "ship", "ship"),
			condEdge(6, "each", "hold", "hold"),
		},
	))

	exec := h.start(t, w, nil)

	assert.Equal(t, flow.ExecCompleted, exec.Status)
	assert.Equal(t, 2, h.callCount("body"))
	assert.Equal(t, 1, h.callCount("ship"))
	assert.Equal(t, 0, h.callCount("hold"))

	var holdStatus flow.LogStatus
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.NodeID == "hold" {
			holdStatus = l.Status
		}
	}
	assert.Equal(t, flow.LogSkipped, holdStatus, "the untaken branch is closed out after the loop")
}

func TestSweeperFailsExecutionPastWallClock(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"a": answer("a", "A"),
	})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "a"), probeNode(3, "b")},
		[]*flow.Edge{edge(1, "trig", "a"), edge(2, "a", "b")},
	))

	exec, err := h.orch.StartExecution(context.Background(), w, StartOptions{TriggerNodeID: "trig"})
	require.NoError(t, err)

	// Run only the workflow job so the execution is running but unfinished.
	ran, err := h.pool.DrainOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	h.orch.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, h.orch.SweepZombies(context.Background()))

	got := h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, flow.CodeZombie)
}

func TestSweeperRekicksStalledFrontierOnce(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"a": answer("a", "A"),
		"b": answer("b", "B"),
	})
	w := mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "a"), probeNode(3, "b")},
		[]*flow.Edge{edge(1, "trig", "a"), edge(2, "a", "b")},
	)
	w.MaxExecutionSeconds = 7200
	h.save(t, w)

	exec, err := h.orch.StartExecution(context.Background(), w, StartOptions{TriggerNodeID: "trig"})
	require.NoError(t, err)

	// Workflow job, then node a; drop b's job by draining it against an
	// always-false gate: run jobs one at a time and discard the last.
	for i := 0; i < 2; i++ {
		ran, err := h.pool.DrainOne(context.Background())
		require.NoError(t, err)
		require.True(t, ran)
	}
	// Simulate the lost job for b.
	_, err = h.queue.Dequeue(context.Background(), queue.QueueWorkflows)
	require.NoError(t, err)

	h.orch.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	require.NoError(t, h.orch.SweepZombies(context.Background()))

	got := h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	h.drain(t)
	got = h.reload(t, exec.ExecutionID)
	assert.Equal(t, flow.ExecCompleted, got.Status)
	assert.Equal(t, 1, h.callCount("b"))
}

func TestSweeperCancelsExpiredConfirmation(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{
		"yes": answer("yes", "deployed"),
	})
	confirm := &flow.Node{
		ID: 2, WorkflowID: 1, NodeID: "confirm", ComponentType: flow.TypeHumanConfirmation,
		UpdatedAt: time.Now(),
	}
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), confirm, probeNode(3, "yes")},
		[]*flow.Edge{
			edge(1, "trig", "confirm"),
			condEdge(2, "confirm", "yes", component.DecisionConfirmed),
		},
	))

	exec := h.start(t, w, nil)
	require.Equal(t, flow.ExecInterrupted, exec.Status)

	var taskID string
	for _, l := range h.logs(t, exec.ExecutionID) {
		if l.Status == flow.LogInterrupted {
			taskID, _ = l.Metadata["task_id"].(string)
		}
	}
	require.NotEmpty(t, taskID)

	// Past the ticket TTL nobody is coming back; the sweep drops the
	// ticket and cancels the waiting execution.
	h.orch.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	require.NoError(t, h.orch.SweepZombies(context.Background()))

	assert.Equal(t, flow.ExecCancelled, h.reload(t, exec.ExecutionID).Status)
	_, err := h.store.GetPendingTask(context.Background(), taskID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, h.callCount("yes"))
}

func TestCancelCascadesToChildren(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{"boss": spawnBehavior()})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "boss")},
		[]*flow.Edge{edge(1, "trig", "boss")},
	))

	exec, err := h.orch.StartExecution(context.Background(), w, StartOptions{TriggerNodeID: "trig"})
	require.NoError(t, err)

	// Run the workflow job and the spawning node job only; the children
	// stay pending in the queue.
	for i := 0; i < 2; i++ {
		ran, err := h.pool.DrainOne(context.Background())
		require.NoError(t, err)
		require.True(t, ran)
	}
	require.Equal(t, flow.ExecInterrupted, h.reload(t, exec.ExecutionID).Status)

	require.NoError(t, h.orch.CancelExecution(context.Background(), exec.ExecutionID))

	assert.Equal(t, flow.ExecCancelled, h.reload(t, exec.ExecutionID).Status)
	children, err := h.store.ListChildren(context.Background(), exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, flow.ExecCancelled, child.Status)
	}

	// The queued child jobs drop against their terminal executions.
	h.drain(t)
	for _, child := range children {
		assert.Equal(t, flow.ExecCancelled, h.reload(t, child.ExecutionID).Status)
	}
}

func TestCleanupWaitsResumesAfterLostNotification(t *testing.T) {
	h := newHarness(t, map[string]component.RunnerFunc{"boss": spawnBehavior()})
	w := h.save(t, mainWorkflow(
		[]*flow.Node{trigNode(1), probeNode(2, "boss")},
		[]*flow.Edge{edge(1, "trig", "boss")},
	))

	exec := h.start(t, w, map[string]any{"text": "kids"})
	require.Equal(t, flow.ExecCompleted, exec.Status)

	// Re-create the wait as if the terminal notifications were lost.
	require.NoError(t, h.store.SaveChildWait(context.Background(), &flow.ChildWait{
		ExecutionID: exec.ExecutionID,
		NodeID:      "boss",
		ChildIDs:    []string{},
		CreatedAt:   time.Now().Add(-time.Hour),
	}))
	job := queue.NewJob(queue.QueueWorkflows, queue.FuncCleanupWaits)
	require.NoError(t, h.queue.Enqueue(context.Background(), job))
	h.drain(t)

	// Parent already terminal, so the stale wait is simply dropped.
	_, err := h.store.GetChildWait(context.Background(), exec.ExecutionID, "boss")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	for attempt := 0; attempt < 4; attempt++ {
		d := computeBackoff(attempt, base, max)
		assert.GreaterOrEqual(t, d, base*(1<<attempt))
		assert.LessOrEqual(t, d, max+base)
	}

	huge := computeBackoff(40, base, max)
	assert.LessOrEqual(t, huge, max+base)
}
