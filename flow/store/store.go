// Package store persists the orchestration records: workflows, executions,
// state snapshots, node logs, confirmation tickets, schedules, and child
// waits. Three backends share one interface: in-memory for tests, SQLite
// for single-host deployments, MySQL for shared clusters.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// TriggerBinding pairs a trigger node with the workflow that owns it, for
// trigger resolution.
type TriggerBinding struct {
	Workflow *flow.Workflow
	Node     *flow.Node
}

// Store is the durable source of truth. All cross-worker coordination flows
// through it; implementations must be safe for concurrent use.
type Store interface {
	// SaveWorkflow upserts the workflow with its nodes, configs, and edges.
	SaveWorkflow(ctx context.Context, w *flow.Workflow) error

	// GetWorkflow loads a workflow graph by id, including soft-deleted rows
	// so in-flight executions of a deleted workflow can still resolve it.
	GetWorkflow(ctx context.Context, id int64) (*flow.Workflow, error)

	// GetWorkflowBySlug loads an active, non-deleted workflow by slug.
	GetWorkflowBySlug(ctx context.Context, slug string) (*flow.Workflow, error)

	// DefaultWorkflow returns the active workflow flagged is_default.
	DefaultWorkflow(ctx context.Context) (*flow.Workflow, error)

	// DeleteWorkflow soft-deletes by setting the tombstone timestamp.
	DeleteWorkflow(ctx context.Context, id int64) error

	// ListTriggerNodes returns the trigger nodes of the given component
	// type across active, non-deleted workflows, ordered by
	// (priority DESC, node id ASC).
	ListTriggerNodes(ctx context.Context, ct flow.ComponentType) ([]TriggerBinding, error)

	// CreateExecution inserts a new execution row.
	CreateExecution(ctx context.Context, e *flow.WorkflowExecution) error

	// GetExecution loads one execution by its UUID.
	GetExecution(ctx context.Context, executionID string) (*flow.WorkflowExecution, error)

	// UpdateExecution writes the full execution row back.
	UpdateExecution(ctx context.Context, e *flow.WorkflowExecution) error

	// ListRunningBefore returns non-terminal executions started before
	// cutoff. The zombie sweeper feeds on this.
	ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*flow.WorkflowExecution, error)

	// ListChildren returns the executions whose parent is executionID.
	ListChildren(ctx context.Context, executionID string) ([]*flow.WorkflowExecution, error)

	// SaveState stores the serialized execution state, replacing any
	// previous snapshot for that execution.
	SaveState(ctx context.Context, executionID string, data []byte) error

	// LoadState returns the latest state snapshot of an execution.
	LoadState(ctx context.Context, executionID string) ([]byte, error)

	// SaveThreadCheckpoint stores the conversational checkpoint of a
	// thread, used by agents to carry memory across executions.
	SaveThreadCheckpoint(ctx context.Context, threadID string, data []byte) error

	// LoadThreadCheckpoint returns a thread's checkpoint.
	LoadThreadCheckpoint(ctx context.Context, threadID string) ([]byte, error)

	// AppendLog inserts one node-attempt log row and fills in its ID.
	AppendLog(ctx context.Context, l *flow.ExecutionLog) error

	// ListLogs returns an execution's logs in insertion order.
	ListLogs(ctx context.Context, executionID string) ([]*flow.ExecutionLog, error)

	// CreatePendingTask inserts a confirmation ticket.
	CreatePendingTask(ctx context.Context, t *flow.PendingTask) error

	// GetPendingTask loads a ticket by its 8-hex id.
	GetPendingTask(ctx context.Context, taskID string) (*flow.PendingTask, error)

	// DeletePendingTask removes a consumed or abandoned ticket.
	DeletePendingTask(ctx context.Context, taskID string) error

	// DeleteExpiredPendingTasks removes tickets past their expiry, returning
	// the dropped tickets so callers can resolve their executions.
	DeleteExpiredPendingTasks(ctx context.Context, now time.Time) ([]*flow.PendingTask, error)

	// SaveScheduledJob upserts a recurring schedule.
	SaveScheduledJob(ctx context.Context, j *flow.ScheduledJob) error

	// GetScheduledJob loads one schedule by id.
	GetScheduledJob(ctx context.Context, id string) (*flow.ScheduledJob, error)

	// ListScheduledJobs returns schedules in the given status; an empty
	// status returns everything.
	ListScheduledJobs(ctx context.Context, status flow.ScheduleStatus) ([]*flow.ScheduledJob, error)

	// SaveChildWait records a spawn_and_await suspension.
	SaveChildWait(ctx context.Context, w *flow.ChildWait) error

	// GetChildWait loads the wait of one (execution, node) pair.
	GetChildWait(ctx context.Context, executionID, nodeID string) (*flow.ChildWait, error)

	// DeleteChildWait removes a resolved wait.
	DeleteChildWait(ctx context.Context, executionID, nodeID string) error

	// ListChildWaitsBefore returns waits created before cutoff, for the
	// stuck-wait cleanup job.
	ListChildWaitsBefore(ctx context.Context, cutoff time.Time) ([]*flow.ChildWait, error)
}
