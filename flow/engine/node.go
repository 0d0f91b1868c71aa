package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/component"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/model"
	"github.com/theuselessai/pipelit/flow/queue"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/template"
	"github.com/theuselessai/pipelit/flow/topology"
)

// handleExecuteNode runs one node attempt: gate, run the component, merge the
// delta, and schedule whatever comes next. It is the only writer of an
// execution's state while it holds the execution lease.
func (o *Orchestrator) handleExecuteNode(ctx context.Context, job *queue.Job) error {
	execID := job.Arg(0)
	nodeID := job.Arg(1)
	retryCount := kwargInt(job.Kwargs, "retry_count")
	resumeInput, resumed := job.Kwargs["resume_input"]
	if !resumed {
		resumed = kwargBool(job.Kwargs, "resumed")
	}

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
	if exec.Status == flow.ExecInterrupted && !resumed {
		return nil
	}

	w, topo, err := o.topologyFor(ctx, exec)
	if err != nil {
		if flow.ErrorCode(err) == flow.CodeValidation {
			return o.failExecution(ctx, w, exec, err)
		}
		return err
	}

	// Wall-clock budget for the whole execution.
	maxSeconds := w.MaxExecutionSeconds
	if maxSeconds <= 0 {
		maxSeconds = o.cfg.DefaultMaxExecutionSeconds
	}
	if exec.StartedAt != nil && o.now().Sub(*exec.StartedAt) > time.Duration(maxSeconds)*time.Second {
		return o.failExecution(ctx, w, exec,
			flow.Errf(flow.CodeZombie, "execution exceeded %ds wall clock", maxSeconds))
	}

	info := topo.Nodes[nodeID]
	if info == nil {
		return o.failExecution(ctx, w, exec,
			flow.Errf(flow.CodeValidation, "node %s not in topology", nodeID))
	}

	logs, err := o.store.ListLogs(ctx, execID)
	if err != nil {
		return err
	}

	// Idempotence: a node outside loop bodies runs at most once per
	// execution. Duplicate enqueues (fan-in from several predecessors)
	// simply drop here.
	if !resumed && retryCount == 0 && hasSuccessLog(logs, nodeID) && !inLoopBody(topo, nodeID) {
		return nil
	}

	// Ready gate: every scheduled predecessor must have finished. Jobs for
	// not-yet-ready nodes drop; the last finishing predecessor re-enqueues.
	if !resumed && !o.nodeReady(topo, nodeID, logs) {
		return nil
	}

	if exec.Status == flow.ExecInterrupted {
		exec.Status = flow.ExecRunning
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
	}

	s, err := o.loadState(ctx, exec)
	if err != nil {
		return err
	}

	// interrupt_before pauses the execution without running the node; a
	// resume re-enqueues this node with the resumed flag set. Human
	// confirmation nodes still get their ticket so the answer has an
	// address even though the node itself has not run yet.
	if info.InterruptBefore && !resumed {
		var meta map[string]any
		if info.ComponentType == flow.TypeHumanConfirmation {
			prompt := "Please confirm to continue."
			if info.Config != nil && info.Config.SystemPrompt != "" {
				prompt = template.Render(s, info.Config.SystemPrompt)
			}
			taskID, err := o.createPendingTask(ctx, exec, nodeID, prompt)
			if err != nil {
				return err
			}
			meta = map[string]any{"task_id": taskID, "prompt": prompt}
		}
		return o.interruptAt(ctx, exec, nodeID, s, "interrupt_before", meta)
	}

	o.emit(emit.EventNodeStatus, exec, map[string]any{
		"node_id": nodeID,
		"status":  string(flow.LogRunning),
	})
	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: execID,
		NodeID:      nodeID,
		Status:      flow.LogRunning,
		RetryCount:  retryCount,
		Timestamp:   o.now(),
	}); err != nil {
		return err
	}

	working, err := s.Clone()
	if err != nil {
		return err
	}
	working.CurrentNode = nodeID

	runner, err := o.registry.Build(info.Node)
	if err != nil {
		return o.failNode(ctx, w, exec, info, retryCount, 0, err)
	}

	runCtx := ctx
	cancel := func() {}
	if info.Config != nil && info.Config.TimeoutSeconds != nil && *info.Config.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*info.Config.TimeoutSeconds)*time.Second)
	}
	started := o.now()
	delta, runErr := runner.Run(runCtx, &component.RunContext{
		Workflow:    w,
		Node:        info.Node,
		Execution:   exec,
		State:       working,
		ResumeInput: resumeInput,
	})
	cancel()
	durationMS := o.now().Sub(started).Milliseconds()

	if runErr == nil && runCtx.Err() != nil {
		runErr = flow.Wrap(flow.CodeNodeTimeout, "node timed out", runCtx.Err())
	}
	if runErr != nil {
		return o.failNode(ctx, w, exec, info, retryCount, durationMS, runErr)
	}

	// A component may report failure through the delta instead of an error,
	// carrying its own retryability verdict.
	if delta.Error != "" {
		cause := flow.Errf(flow.CodeUnrecoverable, "%s", delta.Error)
		if delta.ShouldRetry != nil && *delta.ShouldRetry {
			cause = flow.Errf(flow.CodeProviderError, "%s", delta.Error)
		}
		return o.failNode(ctx, w, exec, info, retryCount, durationMS, cause)
	}

	o.foldUsage(ctx, exec, w, info.Node, delta)

	if delta.Spawn != nil && len(delta.Spawn.Tasks) > 0 {
		return o.spawnChildren(ctx, w, exec, info.Node, working, delta, durationMS)
	}
	if delta.Suspend != nil {
		return o.suspend(ctx, exec, info.Node, working, delta, durationMS)
	}

	state.Merge(working, delta)
	next, skipped := o.plan(topo, working, info, delta)
	if err := o.saveState(ctx, working); err != nil {
		return err
	}
	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: execID,
		NodeID:      nodeID,
		Status:      flow.LogSuccess,
		Output:      delta.NodeOutputs[nodeID],
		Metadata:    map[string]any{"next_nodes": next},
		RetryCount:  retryCount,
		DurationMS:  durationMS,
		Timestamp:   o.now(),
	}); err != nil {
		return err
	}
	o.metrics.nodeAttempt(nodeID, string(flow.LogSuccess), durationMS)
	o.emit(emit.EventNodeStatus, exec, map[string]any{
		"node_id":     nodeID,
		"status":      string(flow.LogSuccess),
		"duration_ms": durationMS,
	})

	for _, skip := range skipped {
		if err := o.skipBranch(ctx, topo, exec, skip); err != nil {
			return err
		}
	}

	// interrupt_after pauses once the node has succeeded; the recorded
	// next_nodes let the resume pick up exactly where this left off.
	if info.InterruptAfter && !resumed {
		return o.interruptAt(ctx, exec, nodeID, working, "interrupt_after",
			map[string]any{"next_nodes": next})
	}

	delay := time.Duration(delta.DelaySeconds) * time.Second
	for _, id := range next {
		if err := o.enqueueNode(ctx, execID, id, 0, delay, nil); err != nil {
			return err
		}
	}
	if len(next) > 0 {
		return nil
	}
	return o.maybeComplete(ctx, topo, exec, working)
}

// plan decides what runs after a successful node: loop fan-out, loop return
// bookkeeping, or routed control flow. Returns the next node ids plus the
// conditional targets not taken.
func (o *Orchestrator) plan(topo *topology.Topology, s *state.ExecState, info *topology.NodeInfo, delta state.Delta) (next, skipped []string) {
	nodeID := info.NodeID

	// Loop node with items: initialise the iteration state and enter the
	// body. Iterations are sequential; the loop_return source advances them.
	if info.ComponentType == flow.TypeLoop && delta.Loop != nil {
		if len(delta.Loop.Items) == 0 {
			o.finishLoop(s, nodeID)
			return o.routedTargets(topo, s, nodeID, delta)
		}
		s.LoopState = &state.LoopState{
			SourceNode: delta.Loop.SourceNode,
			Items:      delta.Loop.Items,
			Index:      0,
			Item:       delta.Loop.Items[0],
			Total:      len(delta.Loop.Items),
		}
		return append([]string{}, topo.LoopBodies[nodeID]...), nil
	}

	// A loop_return source just finished one iteration.
	if loopID := topo.LoopFor(nodeID); loopID != "" && s.LoopState != nil {
		result := delta.Output
		if result == nil {
			result = delta.NodeOutputs[nodeID]
		}
		s.LoopState.Results = append(s.LoopState.Results, result)
		s.LoopState.Index++
		if s.LoopState.Index < s.LoopState.Total {
			s.LoopState.Item = s.LoopState.Items[s.LoopState.Index]
			return append([]string{}, topo.LoopBodies[loopID]...), nil
		}
		o.finishLoop(s, loopID)
		return o.routedTargets(topo, s, loopID, state.Delta{})
	}

	return o.routedTargets(topo, s, nodeID, delta)
}

// finishLoop folds the collected results into the loop node's outputs and
// clears the iteration state.
func (o *Orchestrator) finishLoop(s *state.ExecState, loopID string) {
	results := []any{}
	if s.LoopState != nil {
		results = s.LoopState.Results
		if results == nil {
			results = []any{}
		}
	}
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]map[string]any{}
	}
	if s.NodeOutputs[loopID] == nil {
		s.NodeOutputs[loopID] = map[string]any{}
	}
	s.NodeOutputs[loopID]["results"] = results
	s.NodeOutputs[loopID]["count"] = len(results)
	s.LoopState = nil
}

// routedTargets resolves the control-flow edges leaving nodeID: direct edges
// always fire; conditional edges fire when they match the routed value.
func (o *Orchestrator) routedTargets(topo *topology.Topology, s *state.ExecState, nodeID string, delta state.Delta) (next, skipped []string) {
	route := s.Route
	if delta.Route != nil {
		route = *delta.Route
	}

	for _, e := range topo.OutgoingEdges(nodeID) {
		targets, taken := edgeTargets(e, route)
		for _, t := range targets {
			if t == "" || t == flow.EndNode || topo.Nodes[t] == nil {
				continue
			}
			if taken {
				next = append(next, t)
			} else {
				skipped = append(skipped, t)
			}
		}
	}
	return dedupe(next), dedupe(skipped)
}

// edgeTargets evaluates one edge against the routed value.
func edgeTargets(e *flow.Edge, route string) (targets []string, taken bool) {
	if e.EdgeType != flow.EdgeConditional {
		return []string{e.TargetNodeID}, true
	}
	if e.ConditionValue != "" {
		return []string{e.TargetNodeID}, e.ConditionValue == route
	}
	if len(e.ConditionMapping) > 0 {
		if t, ok := e.ConditionMapping[route]; ok {
			return []string{t}, true
		}
		// None of the mapped routes matched; all mapped targets are skipped.
		var all []string
		for _, t := range e.ConditionMapping {
			all = append(all, t)
		}
		return all, false
	}
	return []string{e.TargetNodeID}, true
}

// skipBranch marks a not-taken conditional target skipped, then cascades to
// its exclusive descendants so fan-in gates downstream still resolve.
func (o *Orchestrator) skipBranch(ctx context.Context, topo *topology.Topology, exec *flow.WorkflowExecution, nodeID string) error {
	logs, err := o.store.ListLogs(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}
	if hasTerminalLog(logs, nodeID) {
		return nil
	}
	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      nodeID,
		Status:      flow.LogSkipped,
		Timestamp:   o.now(),
	}); err != nil {
		return err
	}
	o.emit(emit.EventNodeStatus, exec, map[string]any{
		"node_id": nodeID,
		"status":  string(flow.LogSkipped),
	})

	// A descendant whose every predecessor is skipped is itself dead.
	for _, e := range topo.OutgoingEdges(nodeID) {
		t := e.TargetNodeID
		if t == "" || t == flow.EndNode || topo.Nodes[t] == nil {
			continue
		}
		logs, err = o.store.ListLogs(ctx, exec.ExecutionID)
		if err != nil {
			return err
		}
		if allPredecessorsSkipped(topo, t, logs) {
			if err := o.skipBranch(ctx, topo, exec, t); err != nil {
				return err
			}
		}
	}
	return nil
}

// interruptAt records an interruption on nodeID and pauses the execution.
// For human-facing pauses the caller goes through suspend instead.
func (o *Orchestrator) interruptAt(ctx context.Context, exec *flow.WorkflowExecution, nodeID string, s *state.ExecState, reason string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["reason"] = reason
	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      nodeID,
		Status:      flow.LogInterrupted,
		Metadata:    metadata,
		Timestamp:   o.now(),
	}); err != nil {
		return err
	}
	if err := o.saveState(ctx, s); err != nil {
		return err
	}
	exec.Status = flow.ExecInterrupted
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	data := map[string]any{
		"node_id": nodeID,
		"status":  string(flow.LogInterrupted),
		"reason":  reason,
	}
	for _, key := range []string{"task_id", "prompt"} {
		if v, ok := metadata[key]; ok {
			data[key] = v
		}
	}
	o.emit(emit.EventNodeStatus, exec, data)
	return nil
}

// createPendingTask mints an 8-hex confirmation ticket for a paused node.
func (o *Orchestrator) createPendingTask(ctx context.Context, exec *flow.WorkflowExecution, nodeID, prompt string) (string, error) {
	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	chatID, _ := exec.TriggerPayload["external_chat_id"].(string)
	task := &flow.PendingTask{
		TaskID:         taskID,
		ExecutionID:    exec.ExecutionID,
		UserProfileID:  exec.UserProfileID,
		ExternalChatID: chatID,
		NodeID:         nodeID,
		Prompt:         prompt,
		ExpiresAt:      o.now().Add(o.cfg.PendingTaskTTL),
		CreatedAt:      o.now(),
	}
	if err := o.store.CreatePendingTask(ctx, task); err != nil {
		return "", err
	}
	return taskID, nil
}

// suspend pauses the execution on a component-raised interrupt: a human
// confirmation ticket or an agent-side pause.
func (o *Orchestrator) suspend(ctx context.Context, exec *flow.WorkflowExecution, node *flow.Node, s *state.ExecState, delta state.Delta, durationMS int64) error {
	state.Merge(s, delta)

	meta := map[string]any{"kind": delta.Suspend.Kind}
	if delta.Suspend.Kind == state.SuspendHuman {
		taskID, err := o.createPendingTask(ctx, exec, node.NodeID, delta.Suspend.Prompt)
		if err != nil {
			return err
		}
		meta["task_id"] = taskID
		meta["prompt"] = delta.Suspend.Prompt
	}

	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      node.NodeID,
		Status:      flow.LogInterrupted,
		Metadata:    meta,
		DurationMS:  durationMS,
		Timestamp:   o.now(),
	}); err != nil {
		return err
	}
	if err := o.saveState(ctx, s); err != nil {
		return err
	}
	exec.Status = flow.ExecInterrupted
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	o.metrics.nodeAttempt(node.NodeID, string(flow.LogInterrupted), durationMS)

	data := map[string]any{
		"node_id": node.NodeID,
		"status":  string(flow.LogInterrupted),
		"kind":    delta.Suspend.Kind,
	}
	if delta.Suspend.Prompt != "" {
		data["prompt"] = delta.Suspend.Prompt
	}
	if taskID, ok := meta["task_id"]; ok {
		data["task_id"] = taskID
	}
	o.emit(emit.EventNodeStatus, exec, data)
	return nil
}

// failNode classifies a node failure: transient errors retry with backoff up
// to the budget; terminal errors (or exhaustion) fail the execution.
func (o *Orchestrator) failNode(ctx context.Context, w *flow.Workflow,
	exec *flow.WorkflowExecution, info *topology.NodeInfo, retryCount int, durationMS int64, cause error) error {
	code := flow.ErrorCode(cause)

	maxRetries := exec.MaxRetries
	if info.Config != nil && info.Config.MaxRetries != nil {
		maxRetries = *info.Config.MaxRetries
	}
	retryable := flow.Retryable(cause) && retryCount < maxRetries

	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      info.NodeID,
		Status:      flow.LogFailed,
		Error:       cause.Error(),
		ErrorCode:   code,
		RetryCount:  retryCount,
		DurationMS:  durationMS,
		Timestamp:   o.now(),
	}); err != nil {
		return err
	}
	o.metrics.nodeAttempt(info.NodeID, string(flow.LogFailed), durationMS)
	o.emit(emit.EventNodeStatus, exec, map[string]any{
		"node_id":     info.NodeID,
		"status":      string(flow.LogFailed),
		"error":       cause.Error(),
		"error_code":  code,
		"retry_count": retryCount,
		"will_retry":  retryable,
	})

	if retryable {
		o.metrics.nodeRetry(info.NodeID, code)
		delay := computeBackoff(retryCount, o.cfg.RetryBase, o.cfg.RetryMax)
		return o.enqueueNode(ctx, exec.ExecutionID, info.NodeID, retryCount+1, delay, nil)
	}
	return o.failExecution(ctx, w, exec, cause)
}

// foldUsage accumulates a node's token usage into the execution counters and
// the metric set.
func (o *Orchestrator) foldUsage(ctx context.Context, exec *flow.WorkflowExecution, w *flow.Workflow, node *flow.Node, delta state.Delta) {
	if delta.Usage == nil && delta.LLMCalls == 0 && delta.ToolInvocations == 0 {
		return
	}
	var usage state.Usage
	if delta.Usage != nil {
		usage = *delta.Usage
	}
	cost := model.Cost(component.ModelNameFor(w, node), usage)

	exec.TotalInputTokens += int64(usage.InputTokens)
	exec.TotalOutputTokens += int64(usage.OutputTokens)
	exec.TotalTokens += int64(usage.Total())
	exec.TotalCostUSD += cost
	exec.LLMCalls += int64(delta.LLMCalls)
	exec.ToolInvocations += int64(delta.ToolInvocations)
	_ = o.store.UpdateExecution(ctx, exec)

	o.metrics.usage(usage.InputTokens, usage.OutputTokens, delta.LLMCalls, delta.ToolInvocations, cost)
}

// maybeComplete finishes the execution when nothing is left in flight.
func (o *Orchestrator) maybeComplete(ctx context.Context, topo *topology.Topology, exec *flow.WorkflowExecution, s *state.ExecState) error {
	logs, err := o.store.ListLogs(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}
	for id := range scheduledSet(topo, logs) {
		if !hasTerminalLog(logs, id) {
			return nil
		}
	}
	return o.completeExecution(ctx, exec, s)
}

// nodeReady reports whether every scheduled predecessor of nodeID has a
// terminal log. Unscheduled predecessors (dead branches never routed to) do
// not gate.
func (o *Orchestrator) nodeReady(topo *topology.Topology, nodeID string, logs []*flow.ExecutionLog) bool {
	scheduled := scheduledSet(topo, logs)
	for _, pred := range topo.Predecessors(nodeID) {
		if !scheduled[pred] {
			continue
		}
		if !hasTerminalLog(logs, pred) {
			return false
		}
	}
	return true
}

// scheduledSet recomputes which nodes this execution has committed to run:
// the entry nodes, every node that has logged, and every successor recorded
// on a success log. Durable by construction; no in-memory counters.
func scheduledSet(topo *topology.Topology, logs []*flow.ExecutionLog) map[string]bool {
	scheduled := map[string]bool{}
	for _, id := range topo.EntryNodeIDs {
		scheduled[id] = true
	}
	for _, l := range logs {
		scheduled[l.NodeID] = true
		if l.Status != flow.LogSuccess {
			continue
		}
		for _, id := range metadataNextNodes(l) {
			scheduled[id] = true
		}
	}
	return scheduled
}

// metadataNextNodes reads the next_nodes list off a log row, tolerating the
// []any shape a JSON round trip produces.
func metadataNextNodes(l *flow.ExecutionLog) []string {
	raw, ok := l.Metadata["next_nodes"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func hasTerminalLog(logs []*flow.ExecutionLog, nodeID string) bool {
	for _, l := range logs {
		if l.NodeID == nodeID && l.Status.TerminalLog() {
			return true
		}
	}
	return false
}

func hasSuccessLog(logs []*flow.ExecutionLog, nodeID string) bool {
	for _, l := range logs {
		if l.NodeID == nodeID && l.Status == flow.LogSuccess {
			return true
		}
	}
	return false
}

// allPredecessorsSkipped reports whether nodeID has predecessors and every
// one of them is skipped.
func allPredecessorsSkipped(topo *topology.Topology, nodeID string, logs []*flow.ExecutionLog) bool {
	preds := topo.Predecessors(nodeID)
	if len(preds) == 0 {
		return false
	}
	for _, pred := range preds {
		skippedHere := false
		for _, l := range logs {
			if l.NodeID == pred && l.Status == flow.LogSkipped {
				skippedHere = true
			}
			if l.NodeID == pred && (l.Status == flow.LogSuccess || l.Status == flow.LogFailed) {
				return false
			}
		}
		if !skippedHere {
			return false
		}
	}
	return true
}

// inLoopBody reports whether nodeID sits inside any loop's body closure.
func inLoopBody(topo *topology.Topology, nodeID string) bool {
	for _, body := range topo.LoopBodyAllNodes {
		for _, id := range body {
			if id == nodeID {
				return true
			}
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func kwargInt(kwargs map[string]any, key string) int {
	switch v := kwargs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func kwargBool(kwargs map[string]any, key string) bool {
	b, _ := kwargs[key].(bool)
	return b
}
