// Package queue provides the durable job queue the orchestrator schedules
// node work on, plus the per-execution lease that keeps a single leader per
// execution, and the worker pool that drains queues.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Named queues. Workflow node jobs ride the default queue; slow external
// surfaces get their own lanes so they cannot starve core orchestration.
const (
	QueueWorkflows = "workflows"
	QueueScheduled = "scheduled"
	QueueBrowser   = "browser"
	QueueGitSync   = "git-sync"
)

// Job function names. These are the queue-boundary contract; producers and
// consumers agree on them by string.
const (
	FuncExecuteWorkflow  = "execute_workflow_job"
	FuncResumeWorkflow   = "resume_workflow_job"
	FuncExecuteNode      = "execute_node_job"
	FuncExecuteScheduled = "execute_scheduled_job_task"
	FuncCleanupWaits     = "cleanup_stuck_child_waits_job"
)

// Job is one unit of queued work: a function name plus positional args and
// keyword args, mirroring the (function, args, kwargs) tuple at the queue
// boundary.
type Job struct {
	ID       string         `json:"id"`
	Queue    string         `json:"queue"`
	Function string         `json:"function"`
	Args     []any          `json:"args,omitempty"`
	Kwargs   map[string]any `json:"kwargs,omitempty"`

	// RunAt is the earliest moment a worker may pick the job up. Delayed
	// enqueues honour this to the second.
	RunAt time.Time `json:"run_at"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewJob builds an immediately runnable job on the given queue.
func NewJob(queueName, function string, args ...any) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Function:   function,
		Args:       args,
		RunAt:      now,
		EnqueuedAt: now,
	}
}

// Delay pushes the job's RunAt forward and returns the job for chaining.
func (j *Job) Delay(d time.Duration) *Job {
	if d > 0 {
		j.RunAt = time.Now().UTC().Add(d)
	}
	return j
}

// Arg returns positional arg i as a string, or "".
func (j *Job) Arg(i int) string {
	if i >= len(j.Args) {
		return ""
	}
	s, _ := j.Args[i].(string)
	return s
}

// ArgInt returns positional arg i as an int, tolerating the numeric types a
// JSON round trip produces.
func (j *Job) ArgInt(i int) int {
	if i >= len(j.Args) {
		return 0
	}
	switch v := j.Args[i].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// Queue is the durable FIFO+delayed job queue. Dequeue returns (nil, nil)
// when no job is ready; workers poll.
type Queue interface {
	// Enqueue makes the job visible at its RunAt time.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims the oldest ready job from any of the named queues.
	Dequeue(ctx context.Context, queues ...string) (*Job, error)

	// Pending counts jobs not yet claimed, ready or delayed.
	Pending(ctx context.Context, queueName string) (int, error)
}

// Locker issues expiring advisory leases keyed by string. The orchestrator
// leases "execution:<id>" so exactly one worker drives an execution's
// transitions at a time.
type Locker interface {
	// Acquire takes the lease when free or expired. Returns false when
	// another holder has it.
	Acquire(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error)

	// Refresh extends a held lease. Returns false when the lease was lost.
	Refresh(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error)

	// Release frees the lease if held by holder.
	Release(ctx context.Context, key string, holder string) error
}

// ExecutionLeaseKey names the single-leader lease of one execution.
func ExecutionLeaseKey(executionID string) string { return "execution:" + executionID }
