package engine

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/queue"
)

// ResumeExecution enqueues a resume job for an interrupted execution.
// input carries the human's answer (or whatever the waiting node expects);
// taskID, when non-empty, names the confirmation ticket being answered.
func (o *Orchestrator) ResumeExecution(ctx context.Context, executionID string, input any, taskID string) error {
	job := queue.NewJob(queue.QueueWorkflows, queue.FuncResumeWorkflow, executionID)
	job.Kwargs = map[string]any{}
	if input != nil {
		job.Kwargs["input"] = input
	}
	if taskID != "" {
		job.Kwargs["task_id"] = taskID
	}
	return o.queue.Enqueue(ctx, job)
}

// ResumePendingTask answers a confirmation ticket by its short id.
func (o *Orchestrator) ResumePendingTask(ctx context.Context, taskID string, input any) error {
	task, err := o.store.GetPendingTask(ctx, taskID)
	if err != nil {
		return err
	}
	return o.ResumeExecution(ctx, task.ExecutionID, input, taskID)
}

// handleResumeWorkflow continues an interrupted execution. Depending on how
// it paused, the resume either re-runs the interrupted node with the input,
// or (interrupt_after) enqueues the successors recorded on the interruption.
func (o *Orchestrator) handleResumeWorkflow(ctx context.Context, job *queue.Job) error {
	execID := job.Arg(0)
	input := job.Kwargs["input"]
	taskID, _ := job.Kwargs["task_id"].(string)

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
	if exec.Status != flow.ExecInterrupted {
		return nil
	}

	var nodeID string
	if taskID != "" {
		task, err := o.store.GetPendingTask(ctx, taskID)
		if err == nil && task.ExecutionID == execID {
			nodeID = task.NodeID
			if err := o.store.DeletePendingTask(ctx, taskID); err != nil {
				return err
			}
		}
	}

	intr := o.lastInterruption(ctx, execID)
	if nodeID == "" {
		if intr == nil {
			return flow.Errf(flow.CodeValidation, "execution %s has no interruption to resume", execID)
		}
		nodeID = intr.NodeID
	}

	exec.Status = flow.ExecRunning
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	// interrupt_after recorded its successors; continue past the node
	// instead of re-running it.
	if intr != nil && intr.NodeID == nodeID {
		if next := metadataNextNodes(intr); len(next) > 0 {
			for _, id := range next {
				if err := o.enqueueNode(ctx, execID, id, 0, 0, nil); err != nil {
					return err
				}
			}
			return nil
		}
	}

	return o.enqueueNode(ctx, execID, nodeID, 0, 0, map[string]any{
		"resume_input": input,
		"resumed":      true,
	})
}

// lastInterruption returns the most recent interrupted log row, or nil.
func (o *Orchestrator) lastInterruption(ctx context.Context, execID string) *flow.ExecutionLog {
	logs, err := o.store.ListLogs(ctx, execID)
	if err != nil {
		return nil
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Status == flow.LogInterrupted {
			return logs[i]
		}
	}
	return nil
}
