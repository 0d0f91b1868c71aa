package emit

import (
	"fmt"
	"time"
)

// Event types published on the pub/sub fabric.
//
// Channel → type conventions:
//   - workflow:<slug> carries workflow_updated, node_updated, node_status
//   - execution:<id> carries execution_started, node_status,
//     execution_state, execution_completed, execution_failed
//   - epic:<id> carries the epic/task CRUD events
const (
	EventWorkflowUpdated    = "workflow_updated"
	EventNodeUpdated        = "node_updated"
	EventNodeStatus         = "node_status"
	EventExecutionStarted   = "execution_started"
	EventExecutionState     = "execution_state"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventToolStarted        = "tool_started"
	EventToolSucceeded      = "tool_succeeded"
	EventToolFailed         = "tool_failed"
	EventEpicCreated        = "epic_created"
	EventEpicUpdated        = "epic_updated"
	EventEpicDeleted        = "epic_deleted"
	EventTaskCreated        = "task_created"
	EventTaskUpdated        = "task_updated"
	EventTaskDeleted        = "task_deleted"
	EventTasksDeleted       = "tasks_deleted"
)

// Event is one observability/pub-sub event produced during workflow
// execution.
//
// Events flow two ways:
//   - Into Emitters (logs, buffers, OpenTelemetry spans) for observability.
//   - Onto Broadcaster channels for live consumers (SSE streams, UI).
//
// Data carries event-specific structured fields. Common keys:
//   - "execution_id", "node_id", "status"
//   - "duration_ms": node or execution wall time
//   - "error": failure details
//   - "total_tokens", "total_cost_usd": activity summary fields
type Event struct {
	// Type names the event, e.g. "node_status" or "execution_completed".
	Type string `json:"type"`

	// Channel is the pub/sub topic this event belongs to, e.g.
	// "execution:3f2a...". Empty-channel events reach emitters but no
	// subscribers.
	Channel string `json:"channel"`

	// Data contains event-specific structured payload.
	Data map[string]any `json:"data"`

	// Timestamp is when the event was produced.
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowChannel names the channel carrying design-time updates of one
// workflow.
func WorkflowChannel(slug string) string { return "workflow:" + slug }

// ExecutionChannel names the channel carrying runtime events of one
// execution.
func ExecutionChannel(executionID string) string { return "execution:" + executionID }

// EpicChannel names the channel carrying epic/task events.
func EpicChannel(epicID int64) string { return fmt.Sprintf("epic:%d", epicID) }

// New builds an event stamped now.
func New(eventType, channel string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
