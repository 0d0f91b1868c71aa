package engine

import (
	"context"
	"time"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/queue"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/topology"
)

// SpawnSelfSlug is the slug a task uses to spawn a child of the same
// workflow.
const SpawnSelfSlug = "self"

// spawnChildren implements the spawn_and_await protocol: start one child
// execution per task, record the ordered wait, and interrupt the parent. The
// parent resumes when the last child reaches a terminal state.
func (o *Orchestrator) spawnChildren(ctx context.Context, w *flow.Workflow, exec *flow.WorkflowExecution,
	node *flow.Node, s *state.ExecState, delta state.Delta, durationMS int64) error {

	childIDs := make([]string, 0, len(delta.Spawn.Tasks))
	for _, task := range delta.Spawn.Tasks {
		child, err := o.spawnOne(ctx, w, exec, node, task)
		if err != nil {
			return o.failNode(ctx, w, exec, &topology.NodeInfo{Node: node}, 0, durationMS,
				flow.Wrap(flow.CodeValidation, "spawn failed", err))
		}
		childIDs = append(childIDs, child.ExecutionID)
	}

	if err := o.store.SaveChildWait(ctx, &flow.ChildWait{
		ExecutionID: exec.ExecutionID,
		NodeID:      node.NodeID,
		ChildIDs:    childIDs,
		CreatedAt:   o.now(),
	}); err != nil {
		return err
	}

	state.Merge(s, delta)
	if err := o.store.AppendLog(ctx, &flow.ExecutionLog{
		ExecutionID: exec.ExecutionID,
		NodeID:      node.NodeID,
		Status:      flow.LogInterrupted,
		Metadata:    map[string]any{"spawned": childIDs},
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
	o.emit(emit.EventNodeStatus, exec, map[string]any{
		"node_id":  node.NodeID,
		"status":   string(flow.LogInterrupted),
		"kind":     state.SuspendAgent,
		"children": childIDs,
	})
	return nil
}

// spawnOne resolves one task's workflow and starts its child execution.
func (o *Orchestrator) spawnOne(ctx context.Context, w *flow.Workflow, exec *flow.WorkflowExecution,
	node *flow.Node, task state.SpawnTask) (*flow.WorkflowExecution, error) {

	target := w
	if task.WorkflowSlug != SpawnSelfSlug && task.WorkflowSlug != w.Slug {
		var err error
		target, err = o.store.GetWorkflowBySlug(ctx, task.WorkflowSlug)
		if err != nil {
			return nil, err
		}
	}

	parentID := exec.ExecutionID
	return o.StartExecution(ctx, target, StartOptions{
		Payload:           map[string]any{"text": task.InputText},
		UserProfileID:     exec.UserProfileID,
		ParentExecutionID: &parentID,
		ParentNodeID:      node.NodeID,
	})
}

// notifyParent resumes a waiting parent when the last sibling of a spawn
// group reaches a terminal state. Called on every terminal transition of a
// child execution.
func (o *Orchestrator) notifyParent(ctx context.Context, exec *flow.WorkflowExecution) error {
	if exec.ParentExecutionID == nil || exec.ParentNodeID == "" {
		return nil
	}
	parent, err := o.store.GetExecution(ctx, *exec.ParentExecutionID)
	if err != nil {
		return nil // parent gone; nothing to resume
	}
	if parent.Status.Terminal() {
		return nil
	}
	wait, err := o.store.GetChildWait(ctx, parent.ExecutionID, exec.ParentNodeID)
	if err != nil {
		return nil
	}
	return o.resolveWait(ctx, parent, wait)
}

// resolveWait checks whether every child of a wait is terminal and, if so,
// resumes the parent node with the ordered results.
func (o *Orchestrator) resolveWait(ctx context.Context, parent *flow.WorkflowExecution, wait *flow.ChildWait) error {
	results := make([]any, 0, len(wait.ChildIDs))
	for _, childID := range wait.ChildIDs {
		child, err := o.store.GetExecution(ctx, childID)
		if err != nil {
			return err
		}
		if !child.Status.Terminal() {
			return nil
		}
		results = append(results, childResult(child))
	}

	if err := o.store.DeleteChildWait(ctx, parent.ExecutionID, wait.NodeID); err != nil {
		return err
	}

	job := queue.NewJob(queue.QueueWorkflows, queue.FuncExecuteNode, parent.ExecutionID, wait.NodeID)
	job.Kwargs = map[string]any{"resume_input": results, "resumed": true}
	return o.queue.Enqueue(ctx, job)
}

// childResult shapes one child's contribution to the ordered results list:
// the final output on success, an error marker otherwise.
func childResult(child *flow.WorkflowExecution) any {
	if child.Status == flow.ExecCompleted {
		if child.FinalOutput != nil {
			return child.FinalOutput
		}
		return map[string]any{}
	}
	msg := child.ErrorMessage
	if msg == "" {
		msg = string(child.Status)
	}
	return map[string]any{"_error": msg}
}

// handleCleanupWaits recovers spawn groups whose completion notification was
// lost: waits past the cutoff either resume normally (all children terminal)
// or fail the parent and cancel what is left.
// CleanupStuckWaits runs one stuck-wait reclamation pass outside the queue,
// for one-shot sweeps.
func (o *Orchestrator) CleanupStuckWaits(ctx context.Context) error {
	return o.handleCleanupWaits(ctx, nil)
}

func (o *Orchestrator) handleCleanupWaits(ctx context.Context, job *queue.Job) error {
	cutoff := o.now().Add(-time.Duration(o.cfg.ZombieThresholdSeconds) * time.Second)
	waits, err := o.store.ListChildWaitsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, wait := range waits {
		parent, err := o.store.GetExecution(ctx, wait.ExecutionID)
		if err != nil || parent.Status.Terminal() {
			_ = o.store.DeleteChildWait(ctx, wait.ExecutionID, wait.NodeID)
			continue
		}

		allTerminal := true
		for _, childID := range wait.ChildIDs {
			child, err := o.store.GetExecution(ctx, childID)
			if err != nil {
				continue
			}
			if !child.Status.Terminal() {
				allTerminal = false
			}
		}

		if allTerminal {
			if err := o.resolveWait(ctx, parent, wait); err != nil {
				return err
			}
			continue
		}

		// Children stuck past the threshold: cancel them and fail the
		// parent rather than wait forever.
		for _, childID := range wait.ChildIDs {
			if err := o.CancelExecution(ctx, childID); err != nil {
				return err
			}
		}
		if err := o.store.DeleteChildWait(ctx, wait.ExecutionID, wait.NodeID); err != nil {
			return err
		}
		w, _ := o.store.GetWorkflow(ctx, parent.WorkflowID)
		if err := o.failExecution(ctx, w, parent,
			flow.Errf(flow.CodeChildFailed, "children stuck; wait abandoned at node %s", wait.NodeID)); err != nil {
			return err
		}
	}
	return nil
}
