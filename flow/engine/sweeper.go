package engine

import (
	"context"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// SweepZombies reclaims executions that stopped making progress: past the
// wall-clock budget they fail outright; merely stalled ones get one re-kick
// of their frontier before being declared dead. Expired confirmation tickets
// are dropped in the same pass and their executions cancelled: nobody is
// coming back to answer.
func (o *Orchestrator) SweepZombies(ctx context.Context) error {
	now := o.now()
	expired, err := o.store.DeleteExpiredPendingTasks(ctx, now)
	if err != nil {
		return err
	}
	for _, task := range expired {
		exec, err := o.store.GetExecution(ctx, task.ExecutionID)
		if err != nil || exec.Status != flow.ExecInterrupted {
			continue
		}
		if err := o.CancelExecution(ctx, task.ExecutionID); err != nil {
			return err
		}
	}

	execs, err := o.store.ListRunningBefore(ctx, now)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.Status != flow.ExecRunning {
			continue
		}
		if err := o.sweepOne(ctx, exec, now); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) sweepOne(ctx context.Context, exec *flow.WorkflowExecution, now time.Time) error {
	w, topo, err := o.topologyFor(ctx, exec)
	if err != nil {
		return o.failExecution(ctx, w, exec, err)
	}

	maxSeconds := w.MaxExecutionSeconds
	if maxSeconds <= 0 {
		maxSeconds = o.cfg.DefaultMaxExecutionSeconds
	}
	if exec.StartedAt != nil && now.Sub(*exec.StartedAt) > time.Duration(maxSeconds)*time.Second {
		return o.failExecution(ctx, w, exec,
			flow.Errf(flow.CodeZombie, "execution exceeded %ds wall clock", maxSeconds))
	}

	logs, err := o.store.ListLogs(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}
	last := exec.CreatedAt
	if exec.StartedAt != nil {
		last = *exec.StartedAt
	}
	for _, l := range logs {
		if l.Timestamp.After(last) {
			last = l.Timestamp
		}
	}
	if now.Sub(last) < time.Duration(o.cfg.ZombieThresholdSeconds)*time.Second {
		return nil
	}

	// Stalled. One re-kick of the unfinished frontier, marked on the
	// execution so a second stall fails for good.
	if exec.RetryCount > 0 {
		return o.failExecution(ctx, w, exec,
			flow.Errf(flow.CodeZombie, "execution stalled with no log progress"))
	}
	exec.RetryCount++
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	kicked := 0
	for id := range scheduledSet(topo, logs) {
		if hasTerminalLog(logs, id) {
			continue
		}
		if err := o.enqueueNode(ctx, exec.ExecutionID, id, 0, 0, nil); err != nil {
			return err
		}
		kicked++
	}
	if kicked == 0 {
		return o.failExecution(ctx, w, exec,
			flow.Errf(flow.CodeZombie, "execution stalled with nothing left to run"))
	}
	return nil
}

// RunSweeper loops SweepZombies until ctx is cancelled.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = o.SweepZombies(ctx)
		}
	}
}
