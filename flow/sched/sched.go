// Package sched runs recurring schedules: self-rescheduling jobs that fire a
// workflow, then re-enqueue themselves for the next run. Failures back off
// exponentially; a schedule that keeps failing goes dead instead of spinning.
package sched

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/queue"
	"github.com/theuselessai/pipelit/flow/store"
)

// StartFunc fires one workflow execution for a schedule. The engine provides
// this; tests substitute a recorder.
type StartFunc func(ctx context.Context, w *flow.Workflow, triggerNodeID string, payload map[string]any, userID *int64) (string, error)

// Default retry backoff shape for failing schedules.
const (
	retryBase = 30 * time.Second
	retryMax  = time.Hour
)

// Scheduler drives ScheduledJob records through the queue.
type Scheduler struct {
	store store.Store
	queue queue.Queue
	start StartFunc

	now func() time.Time
}

// New builds a scheduler.
func New(st store.Store, q queue.Queue, start StartFunc) *Scheduler {
	return &Scheduler{
		store: st,
		queue: q,
		start: start,
		now:   time.Now,
	}
}

// Register installs the scheduled-job handler on a worker pool.
func (s *Scheduler) Register(pool *queue.Pool) {
	pool.Register(queue.FuncExecuteScheduled, s.handleScheduledJob)
}

// Kickoff enqueues every active schedule that is due or has no next run yet.
// Called once at startup so schedules survive process restarts.
func (s *Scheduler) Kickoff(ctx context.Context) error {
	jobs, err := s.store.ListScheduledJobs(ctx, flow.ScheduleActive)
	if err != nil {
		return err
	}
	now := s.now()
	for _, job := range jobs {
		var delay time.Duration
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			delay = job.NextRunAt.Sub(now)
		}
		if err := s.enqueue(ctx, job.ID, delay); err != nil {
			return err
		}
	}
	return nil
}

// SyncCronTriggers ensures every active trigger_cron node has a backing
// schedule, creating missing ones. Schedule ids derive from the trigger so
// repeated syncs are idempotent.
func (s *Scheduler) SyncCronTriggers(ctx context.Context) error {
	bindings, err := s.store.ListTriggerNodes(ctx, flow.TypeTriggerCron)
	if err != nil {
		return err
	}
	now := s.now()
	for _, b := range bindings {
		id := fmt.Sprintf("cron:%d:%s", b.Workflow.ID, b.Node.NodeID)
		if _, err := s.store.GetScheduledJob(ctx, id); err == nil {
			continue
		}

		job := &flow.ScheduledJob{
			ID:            id,
			WorkflowID:    b.Workflow.ID,
			TriggerNodeID: b.Node.NodeID,
			MaxRetries:    3,
			Status:        flow.ScheduleActive,
		}
		if b.Node.Config != nil {
			job.IntervalSeconds = triggerInt(b.Node.Config.TriggerConfig, "interval_seconds")
			job.TotalRepeats = triggerInt(b.Node.Config.TriggerConfig, "total_repeats")
		}
		next, err := s.nextRun(ctx, job, now)
		if err != nil {
			return err
		}
		job.NextRunAt = &next
		if err := s.store.SaveScheduledJob(ctx, job); err != nil {
			return err
		}
		if err := s.enqueue(ctx, id, next.Sub(now)); err != nil {
			return err
		}
	}
	return nil
}

// handleScheduledJob fires one scheduled run and re-arms the schedule.
func (s *Scheduler) handleScheduledJob(ctx context.Context, qjob *queue.Job) error {
	id := qjob.Arg(0)
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil // deleted schedule; the orphaned queue job just drops
	}
	if job.Status != flow.ScheduleActive {
		return nil
	}
	if job.NextRunAt != nil && job.NextRunAt.After(s.now()) {
		// Early pickup (clock skew, manual enqueue); push back to the
		// scheduled moment.
		return s.enqueue(ctx, id, job.NextRunAt.Sub(s.now()))
	}

	w, err := s.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil || w.DeletedAt != nil || !w.IsActive {
		job.Status = flow.ScheduleStopped
		job.LastError = "workflow missing or inactive"
		return s.store.SaveScheduledJob(ctx, job)
	}

	payload := job.TriggerPayload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["scheduled_job_id"] = job.ID

	_, startErr := s.start(ctx, w, job.TriggerNodeID, payload, job.UserProfileID)
	now := s.now()
	job.LastRunAt = &now

	if startErr != nil {
		return s.recordFailure(ctx, job, startErr)
	}
	return s.recordSuccess(ctx, job)
}

func (s *Scheduler) recordSuccess(ctx context.Context, job *flow.ScheduledJob) error {
	job.RunCount++
	job.CurrentRepeat++
	job.CurrentRetry = 0
	job.LastError = ""

	if job.TotalRepeats > 0 && job.CurrentRepeat >= job.TotalRepeats {
		job.Status = flow.ScheduleDone
		job.NextRunAt = nil
		return s.store.SaveScheduledJob(ctx, job)
	}

	next, err := s.nextRun(ctx, job, s.now())
	if err != nil {
		job.Status = flow.ScheduleDead
		job.LastError = err.Error()
		return s.store.SaveScheduledJob(ctx, job)
	}
	job.NextRunAt = &next
	if err := s.store.SaveScheduledJob(ctx, job); err != nil {
		return err
	}
	return s.enqueue(ctx, job.ID, next.Sub(s.now()))
}

func (s *Scheduler) recordFailure(ctx context.Context, job *flow.ScheduledJob, cause error) error {
	job.ErrorCount++
	job.CurrentRetry++
	job.LastError = cause.Error()

	if job.CurrentRetry >= job.MaxRetries {
		job.Status = flow.ScheduleDead
		job.NextRunAt = nil
		return s.store.SaveScheduledJob(ctx, job)
	}

	delay := retryBackoff(job.CurrentRetry - 1)
	next := s.now().Add(delay)
	job.NextRunAt = &next
	if err := s.store.SaveScheduledJob(ctx, job); err != nil {
		return err
	}
	return s.enqueue(ctx, job.ID, delay)
}

// nextRun computes when the schedule should fire next: the trigger node's
// cron expression when it has one, otherwise the fixed interval.
func (s *Scheduler) nextRun(ctx context.Context, job *flow.ScheduledJob, from time.Time) (time.Time, error) {
	if expr := s.cronExpr(ctx, job); expr != "" {
		schedule, err := cron.ParseStandard(expr)
		if err != nil {
			return time.Time{}, flow.Wrap(flow.CodeValidation, "invalid cron expression", err)
		}
		return schedule.Next(from), nil
	}
	interval := job.IntervalSeconds
	if interval <= 0 {
		interval = 60
	}
	return from.Add(time.Duration(interval) * time.Second), nil
}

// cronExpr reads the cron expression off the schedule's trigger node, or "".
func (s *Scheduler) cronExpr(ctx context.Context, job *flow.ScheduledJob) string {
	if job.TriggerNodeID == "" {
		return ""
	}
	w, err := s.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return ""
	}
	node := w.Node(job.TriggerNodeID)
	if node == nil || node.Config == nil || node.Config.TriggerConfig == nil {
		return ""
	}
	expr, _ := node.Config.TriggerConfig["cron"].(string)
	return expr
}

func (s *Scheduler) enqueue(ctx context.Context, id string, delay time.Duration) error {
	job := queue.NewJob(queue.QueueScheduled, queue.FuncExecuteScheduled, id)
	if delay > 0 {
		job.Delay(delay)
	}
	return s.queue.Enqueue(ctx, job)
}

// retryBackoff is the schedule retry delay: 30s doubling per retry, capped
// at an hour, with up to 30s of jitter.
func retryBackoff(retry int) time.Duration {
	if retry > 8 {
		retry = 8
	}
	delay := retryBase * (1 << retry)
	if delay > retryMax {
		delay = retryMax
	}
	jitter := time.Duration(rand.Int63n(int64(retryBase))) // #nosec G404
	return delay + jitter
}

func triggerInt(cfg map[string]any, key string) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
