// Package engine is the orchestrator: it drives workflow executions through
// the durable queue, one node job at a time, under a per-execution lease.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/component"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/queue"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/store"
	"github.com/theuselessai/pipelit/flow/topology"
)

// Config tunes the orchestrator. Zero values mean the defaults below.
type Config struct {
	// DefaultMaxRetries bounds node retry attempts when the node config
	// does not set its own limit.
	DefaultMaxRetries int

	// DefaultMaxExecutionSeconds bounds an execution's wall clock when the
	// workflow does not set max_execution_seconds.
	DefaultMaxExecutionSeconds int

	// ZombieThresholdSeconds is how long a running execution may go
	// without log progress before the sweeper intervenes.
	ZombieThresholdSeconds int

	// LeaseTTL covers one node job invocation.
	LeaseTTL time.Duration

	// PendingTaskTTL is how long a human confirmation ticket stays
	// answerable.
	PendingTaskTTL time.Duration

	// RetryBase and RetryMax shape the exponential backoff.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultMaxExecutionSeconds == 0 {
		c.DefaultMaxExecutionSeconds = 600
	}
	if c.ZombieThresholdSeconds == 0 {
		c.ZombieThresholdSeconds = 900
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 60 * time.Second
	}
	if c.PendingTaskTTL == 0 {
		c.PendingTaskTTL = 24 * time.Hour
	}
	if c.RetryBase == 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax == 0 {
		c.RetryMax = 60 * time.Second
	}
	return c
}

// Orchestrator executes workflows: it creates executions, runs node jobs
// dequeued from the worker pool, handles interrupts and spawns, and drives
// executions to terminal states.
type Orchestrator struct {
	store    store.Store
	queue    queue.Queue
	locker   queue.Locker
	registry *component.Registry
	emitter  emit.Emitter
	cache    *topology.Cache
	metrics  *Metrics
	cfg      Config

	now func() time.Time
}

// New builds an orchestrator. metrics may be nil.
func New(st store.Store, q queue.Queue, locker queue.Locker, registry *component.Registry,
	emitter emit.Emitter, metrics *Metrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		queue:    q,
		locker:   locker,
		registry: registry,
		emitter:  emitter,
		cache:    topology.NewCache(0),
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// Register installs the orchestrator's job handlers on a worker pool.
func (o *Orchestrator) Register(pool *queue.Pool) {
	pool.Register(queue.FuncExecuteWorkflow, o.handleExecuteWorkflow)
	pool.Register(queue.FuncExecuteNode, o.handleExecuteNode)
	pool.Register(queue.FuncResumeWorkflow, o.handleResumeWorkflow)
	pool.Register(queue.FuncCleanupWaits, o.handleCleanupWaits)
}

// InvalidateTopology drops cached topologies of a workflow after an edit.
func (o *Orchestrator) InvalidateTopology(workflowID int64) {
	o.cache.Invalidate(workflowID)
}

// StartOptions parameterise a new execution.
type StartOptions struct {
	TriggerNodeID string
	Payload       map[string]any
	UserProfileID *int64

	// ParentExecutionID/ParentNodeID link spawn_and_await and sub-workflow
	// children back to the node waiting on them.
	ParentExecutionID *string
	ParentNodeID      string

	// ThreadID overrides the derived conversation thread key.
	ThreadID string
}

// StartExecution creates a pending execution for the workflow and enqueues
// its workflow job. The returned record is already persisted.
func (o *Orchestrator) StartExecution(ctx context.Context, w *flow.Workflow, opts StartOptions) (*flow.WorkflowExecution, error) {
	execID := uuid.NewString()

	threadID := opts.ThreadID
	if threadID == "" && opts.ParentExecutionID != nil {
		// Children get their own thread so their agent checkpoints never
		// collide with the parent's conversation.
		threadID = execID
	}
	if threadID == "" {
		var userID int64
		if opts.UserProfileID != nil {
			userID = *opts.UserProfileID
		}
		chatID, _ := opts.Payload["external_chat_id"].(string)
		threadID = flow.ThreadID(userID, chatID, w.ID)
	}

	exec := &flow.WorkflowExecution{
		ExecutionID:       execID,
		WorkflowID:        w.ID,
		TriggerNodeID:     opts.TriggerNodeID,
		ParentExecutionID: opts.ParentExecutionID,
		ParentNodeID:      opts.ParentNodeID,
		UserProfileID:     opts.UserProfileID,
		ThreadID:          threadID,
		Status:            flow.ExecPending,
		TriggerPayload:    opts.Payload,
		MaxRetries:        o.cfg.DefaultMaxRetries,
		CreatedAt:         o.now(),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	initial := state.New(execID, opts.Payload)
	if err := o.saveState(ctx, initial); err != nil {
		return nil, err
	}

	job := queue.NewJob(queue.QueueWorkflows, queue.FuncExecuteWorkflow, execID)
	if err := o.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return exec, nil
}

// handleExecuteWorkflow transitions a pending execution to running and
// enqueues its entry nodes.
func (o *Orchestrator) handleExecuteWorkflow(ctx context.Context, job *queue.Job) error {
	execID := job.Arg(0)

	ok, err := o.locker.Acquire(ctx, queue.ExecutionLeaseKey(execID), job.ID, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return o.requeue(ctx, job)
	}
	defer func() { _ = o.locker.Release(ctx, queue.ExecutionLeaseKey(execID), job.ID) }()

	exec, err := o.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	w, topo, err := o.topologyFor(ctx, exec)
	if err != nil {
		if flow.ErrorCode(err) == flow.CodeValidation {
			return o.failExecution(ctx, w, exec, err)
		}
		return err
	}

	if exec.Status == flow.ExecPending {
		started := o.now()
		exec.Status = flow.ExecRunning
		exec.StartedAt = &started
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
		o.metrics.executionStarted()
		o.emit(emit.EventExecutionStarted, exec, map[string]any{
			"workflow_id":     exec.WorkflowID,
			"trigger_node_id": exec.TriggerNodeID,
		})
	}

	for _, nodeID := range topo.EntryNodeIDs {
		if err := o.enqueueNode(ctx, execID, nodeID, 0, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

// topologyFor loads the workflow and its compiled topology.
func (o *Orchestrator) topologyFor(ctx context.Context, exec *flow.WorkflowExecution) (*flow.Workflow, *topology.Topology, error) {
	w, err := o.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	topo, err := o.cache.GetOrBuild(w.ID, topology.Hash(w), exec.TriggerNodeID, func() (*topology.Topology, error) {
		return topology.Build(w, exec.TriggerNodeID)
	})
	if err != nil {
		return w, nil, err
	}
	return w, topo, nil
}

// requeue re-enqueues the same job after a short delay; used on lease
// contention.
func (o *Orchestrator) requeue(ctx context.Context, job *queue.Job) error {
	retry := queue.NewJob(job.Queue, job.Function, job.Args...)
	retry.Kwargs = job.Kwargs
	return o.queue.Enqueue(ctx, retry.Delay(250*time.Millisecond))
}

// enqueueNode schedules one node job.
func (o *Orchestrator) enqueueNode(ctx context.Context, execID, nodeID string, retryCount int, delay time.Duration, kwargs map[string]any) error {
	job := queue.NewJob(queue.QueueWorkflows, queue.FuncExecuteNode, execID, nodeID)
	if kwargs != nil {
		job.Kwargs = kwargs
	}
	if retryCount > 0 {
		if job.Kwargs == nil {
			job.Kwargs = map[string]any{}
		}
		job.Kwargs["retry_count"] = retryCount
	}
	if delay > 0 {
		job.Delay(delay)
	}
	return o.queue.Enqueue(ctx, job)
}

// emit publishes an event on the execution's channel.
func (o *Orchestrator) emit(eventType string, exec *flow.WorkflowExecution, data map[string]any) {
	if o.emitter == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["execution_id"] = exec.ExecutionID
	o.emitter.Emit(emit.New(eventType, emit.ExecutionChannel(exec.ExecutionID), data))
}

func (o *Orchestrator) saveState(ctx context.Context, s *state.ExecState) error {
	data, err := state.Serialize(s)
	if err != nil {
		return err
	}
	return o.store.SaveState(ctx, s.ExecutionID, data)
}

func (o *Orchestrator) loadState(ctx context.Context, exec *flow.WorkflowExecution) (*state.ExecState, error) {
	data, err := o.store.LoadState(ctx, exec.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		return state.New(exec.ExecutionID, exec.TriggerPayload), nil
	}
	if err != nil {
		return nil, err
	}
	return state.Deserialize(data)
}

// activitySummary aggregates what the execution did, attached to the
// terminal event.
func (o *Orchestrator) activitySummary(ctx context.Context, exec *flow.WorkflowExecution) map[string]any {
	summary := map[string]any{
		"total_tokens":     exec.TotalTokens,
		"total_cost_usd":   exec.TotalCostUSD,
		"llm_calls":        exec.LLMCalls,
		"tool_invocations": exec.ToolInvocations,
	}
	logs, err := o.store.ListLogs(ctx, exec.ExecutionID)
	if err == nil {
		steps := 0
		for _, l := range logs {
			if l.Status == flow.LogSuccess {
				steps++
			}
		}
		summary["total_steps"] = steps
	}
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		summary["total_duration_ms"] = exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds()
	}
	return summary
}

// completeExecution finishes an execution successfully.
func (o *Orchestrator) completeExecution(ctx context.Context, exec *flow.WorkflowExecution, s *state.ExecState) error {
	done := o.now()
	exec.Status = flow.ExecCompleted
	exec.CompletedAt = &done
	exec.FinalOutput = finalOutput(s)
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.executionFinished(string(flow.ExecCompleted))
	o.emit(emit.EventExecutionCompleted, exec, o.activitySummary(ctx, exec))
	return o.notifyParent(ctx, exec)
}

// failExecution finishes an execution with an error, firing the workflow's
// error handler if one is configured.
func (o *Orchestrator) failExecution(ctx context.Context, w *flow.Workflow, exec *flow.WorkflowExecution, cause error) error {
	done := o.now()
	exec.Status = flow.ExecFailed
	exec.CompletedAt = &done
	exec.ErrorMessage = cause.Error()
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.executionFinished(string(flow.ExecFailed))
	summary := o.activitySummary(ctx, exec)
	summary["error"] = cause.Error()
	summary["error_code"] = flow.ErrorCode(cause)
	o.emit(emit.EventExecutionFailed, exec, summary)

	if w != nil && w.ErrorHandlerWorkflowID != nil && *w.ErrorHandlerWorkflowID != exec.WorkflowID {
		if err := o.fireErrorHandler(ctx, w, exec, cause); err != nil {
			return err
		}
	}
	return o.notifyParent(ctx, exec)
}

func (o *Orchestrator) fireErrorHandler(ctx context.Context, w *flow.Workflow, exec *flow.WorkflowExecution, cause error) error {
	handler, err := o.store.GetWorkflow(ctx, *w.ErrorHandlerWorkflowID)
	if err != nil {
		return nil // a missing handler never masks the original failure
	}
	_, err = o.StartExecution(ctx, handler, StartOptions{
		Payload: map[string]any{
			"error":              cause.Error(),
			"error_code":         flow.ErrorCode(cause),
			"source_workflow_id": exec.WorkflowID,
			"source_execution":   exec.ExecutionID,
		},
		UserProfileID: exec.UserProfileID,
	})
	return err
}

// CancelExecution cancels an execution and cascades to its non-terminal
// children.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID string) error {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	done := o.now()
	exec.Status = flow.ExecCancelled
	exec.CompletedAt = &done
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.executionFinished(string(flow.ExecCancelled))
	o.emit(emit.EventExecutionFailed, exec, map[string]any{"status": "cancelled"})

	children, err := o.store.ListChildren(ctx, executionID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if !child.Status.Terminal() {
			if err := o.CancelExecution(ctx, child.ExecutionID); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalOutput derives the execution's final_output from state: the explicit
// output when present, otherwise the last node outputs.
func finalOutput(s *state.ExecState) map[string]any {
	out := map[string]any{}
	if s.Output != nil {
		out["output"] = s.Output
	}
	if s.CurrentNode != "" {
		if nodeOut := s.NodeOutput(s.CurrentNode); nodeOut != nil {
			out["node"] = s.CurrentNode
			for k, v := range nodeOut {
				if _, taken := out[k]; !taken {
					out[k] = v
				}
			}
		}
	}
	return out
}
