// Package flow defines the persisted domain model consumed by the
// orchestration core: workflows, nodes, edges, component configs, and the
// runtime records produced while executing them (executions, logs, pending
// tasks, scheduled jobs).
//
// The package is intentionally dependency-free. Records here are plain
// values; behaviour lives in the packages that consume them (topology,
// engine, component, store).
package flow

import "strings"

// ComponentType identifies the behaviour bound to a node. The set is closed:
// the component registry rejects unknown types at build time.
type ComponentType string

// Executable component types. These appear in the execution DAG.
const (
	TypeAgent             ComponentType = "agent"
	TypeRouter            ComponentType = "router"
	TypeSwitch            ComponentType = "switch"
	TypeCategorizer       ComponentType = "categorizer"
	TypeLoop              ComponentType = "loop"
	TypeMerge             ComponentType = "merge"
	TypeFilter            ComponentType = "filter"
	TypeHumanConfirmation ComponentType = "human_confirmation"
	TypeCode              ComponentType = "code"
	TypeCodeExecute       ComponentType = "code_execute"
	TypeHTTPRequest       ComponentType = "http_request"
	TypeWorkflow          ComponentType = "workflow"
)

// Sub-component types. These serve other nodes and are excluded from the
// execution DAG; they are consumed laterally via labelled edges.
const (
	TypeAIModel          ComponentType = "ai_model"
	TypeOutputParser     ComponentType = "output_parser"
	TypeMemoryRead       ComponentType = "memory_read"
	TypeMemoryWrite      ComponentType = "memory_write"
	TypeRunCommand       ComponentType = "run_command"
	TypeWebSearch        ComponentType = "web_search"
	TypeCalculator       ComponentType = "calculator"
	TypeDatetime         ComponentType = "datetime"
	TypeIdentifyUser     ComponentType = "identify_user"
	TypeCreateAgentUser  ComponentType = "create_agent_user"
	TypeWhoami           ComponentType = "whoami"
	TypePlatformAPI      ComponentType = "platform_api"
	TypeGetTOTPCode      ComponentType = "get_totp_code"
	TypeSpawnAndAwait    ComponentType = "spawn_and_await"
	TypeSchedulerTools   ComponentType = "scheduler_tools"
	TypeEpicTools        ComponentType = "epic_tools"
	TypeTaskTools        ComponentType = "task_tools"
	TypeWorkflowCreate   ComponentType = "workflow_create"
	TypeWorkflowDiscover ComponentType = "workflow_discover"
	TypeSystemHealth     ComponentType = "system_health"
)

// Trigger component types. Triggers never execute; they anchor the entry
// points of a topology and carry per-trigger filter configuration.
const (
	TypeTriggerManual   ComponentType = "trigger_manual"
	TypeTriggerTelegram ComponentType = "trigger_telegram"
	TypeTriggerWebhook  ComponentType = "trigger_webhook"
	TypeTriggerCron     ComponentType = "trigger_cron"
	TypeTriggerWorkflow ComponentType = "trigger_workflow"
	TypeTriggerError    ComponentType = "trigger_error"
)

// subComponentTypes is the lateral-only set: nodes of these types never
// enter the execution DAG.
var subComponentTypes = map[ComponentType]bool{
	TypeAIModel:          true,
	TypeOutputParser:     true,
	TypeMemoryRead:       true,
	TypeMemoryWrite:      true,
	TypeRunCommand:       true,
	TypeWebSearch:        true,
	TypeCalculator:       true,
	TypeDatetime:         true,
	TypeIdentifyUser:     true,
	TypeCreateAgentUser:  true,
	TypeWhoami:           true,
	TypePlatformAPI:      true,
	TypeGetTOTPCode:      true,
	TypeSpawnAndAwait:    true,
	TypeSchedulerTools:   true,
	TypeEpicTools:        true,
	TypeTaskTools:        true,
	TypeWorkflowCreate:   true,
	TypeWorkflowDiscover: true,
	TypeSystemHealth:     true,
}

// IsTrigger reports whether t is a trigger component type.
func (t ComponentType) IsTrigger() bool {
	return strings.HasPrefix(string(t), "trigger_")
}

// IsSubComponent reports whether t serves other nodes and must be excluded
// from the execution DAG.
func (t ComponentType) IsSubComponent() bool {
	return subComponentTypes[t]
}

// IsExecutable reports whether a node of this type may appear in the
// execution DAG.
func (t ComponentType) IsExecutable() bool {
	return !t.IsTrigger() && !t.IsSubComponent()
}

// EdgeType distinguishes unconditional control flow from routed control flow.
type EdgeType string

const (
	EdgeDirect      EdgeType = "direct"
	EdgeConditional EdgeType = "conditional"
)

// EdgeLabel classifies an edge's role. The empty label is plain control
// flow; the rest attach sub-components to their parent node or shape loops.
type EdgeLabel string

const (
	LabelControl      EdgeLabel = ""
	LabelLLM          EdgeLabel = "llm"
	LabelTool         EdgeLabel = "tool"
	LabelOutputParser EdgeLabel = "output_parser"
	LabelLoopBody     EdgeLabel = "loop_body"
	LabelLoopReturn   EdgeLabel = "loop_return"
)

// NormalizeEdgeLabel maps historical labels onto the current set. Older
// graphs used "memory" for tool attachments; treat it as "tool".
func NormalizeEdgeLabel(raw string) EdgeLabel {
	if raw == "memory" {
		return LabelTool
	}
	return EdgeLabel(raw)
}

// EndNode is the pseudo-target that terminates a branch. An edge pointing
// at EndNode (or at nothing) ends that path of the DAG.
const EndNode = "__end__"

// RouteOther is the fallback route produced by routers when no rule matches
// and fallback is enabled.
const RouteOther = "__other__"
