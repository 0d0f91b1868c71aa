package flow

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecPending     ExecutionStatus = "pending"
	ExecRunning     ExecutionStatus = "running"
	ExecInterrupted ExecutionStatus = "interrupted"
	ExecCompleted   ExecutionStatus = "completed"
	ExecFailed      ExecutionStatus = "failed"
	ExecCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// WorkflowExecution is one run of a workflow, created by the trigger
// dispatcher in pending state and driven to a terminal state by the
// orchestrator. The UUID ExecutionID is the primary key everywhere: queue
// jobs, leases, logs, state, and pub/sub channels all hang off it.
type WorkflowExecution struct {
	ExecutionID   string
	WorkflowID    int64
	TriggerNodeID string

	// Parent linkage for sub-workflows and spawn_and_await children.
	ParentExecutionID *string
	ParentNodeID      string

	UserProfileID *int64

	// ThreadID identifies the conversation thread for checkpoint lookup.
	// See ThreadID for the canonical derivation.
	ThreadID string

	Status ExecutionStatus

	TriggerPayload map[string]any
	FinalOutput    map[string]any

	RetryCount   int
	MaxRetries   int
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Aggregated cost counters, folded in as node jobs report usage.
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalTokens       int64
	TotalCostUSD      float64
	LLMCalls          int64
	ToolInvocations   int64
}

// LogStatus is the outcome of one node attempt.
type LogStatus string

const (
	LogRunning     LogStatus = "running"
	LogSuccess     LogStatus = "success"
	LogFailed      LogStatus = "failed"
	LogSkipped     LogStatus = "skipped"
	LogInterrupted LogStatus = "interrupted"
)

// TerminalLog reports whether the status ends a node attempt. The last
// terminal log per node id defines the node's effective status.
func (s LogStatus) TerminalLog() bool {
	return s == LogSuccess || s == LogFailed || s == LogSkipped
}

// ExecutionLog is one row per node attempt.
type ExecutionLog struct {
	ID          int64
	ExecutionID string
	NodeID      string
	Status      LogStatus
	Input       map[string]any
	Output      map[string]any
	Error       string
	ErrorCode   string
	Metadata    map[string]any
	RetryCount  int
	DurationMS  int64
	Timestamp   time.Time
}

// PendingTask is a confirmation ticket: it exists exactly while an
// execution is paused on a human_confirmation node. TaskID is 8 hex chars,
// short enough to type into a chat.
type PendingTask struct {
	TaskID         string
	ExecutionID    string
	UserProfileID  *int64
	ExternalChatID string
	NodeID         string
	Prompt         string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// ScheduleStatus is the lifecycle state of a ScheduledJob.
type ScheduleStatus string

const (
	ScheduleActive  ScheduleStatus = "active"
	SchedulePaused  ScheduleStatus = "paused"
	ScheduleStopped ScheduleStatus = "stopped"
	ScheduleDead    ScheduleStatus = "dead"
	ScheduleDone    ScheduleStatus = "done"
)

// ScheduledJob is a self-rescheduling recurring trigger. On every
// successful fire it re-enqueues itself after IntervalSeconds; on failure
// it backs off exponentially until MaxRetries, then goes dead.
type ScheduledJob struct {
	ID            string
	WorkflowID    int64
	TriggerNodeID string
	UserProfileID *int64

	IntervalSeconds int
	TotalRepeats    int
	MaxRetries      int
	TimeoutSeconds  int
	TriggerPayload  map[string]any

	Status        ScheduleStatus
	CurrentRepeat int
	CurrentRetry  int

	LastRunAt  *time.Time
	NextRunAt  *time.Time
	RunCount   int
	ErrorCount int
	LastError  string
}

// ChildWait records a spawn_and_await suspension: the parent execution, the
// agent node that spawned, and the ordered child execution ids whose
// results must be aggregated in submission order.
type ChildWait struct {
	ExecutionID string
	NodeID      string
	ChildIDs    []string
	CreatedAt   time.Time
}

// ThreadID canonicalises the conversation thread key used for agent
// checkpoints. Both the agent runtime and administrative cleanup must use
// this derivation or checkpoints go orphaned.
func ThreadID(userID int64, chatID string, workflowID int64) string {
	if chatID != "" {
		return fmt.Sprintf("%d:%s:%d", userID, chatID, workflowID)
	}
	return fmt.Sprintf("%d:%d", userID, workflowID)
}
