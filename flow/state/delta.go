package state

// Delta is the partial update produced by one node invocation. Each field
// mirrors one reserved key of the component contract; nil/zero fields are
// absent from the delta and leave the state untouched.
type Delta struct {
	// Messages are appended to the conversation.
	Messages []Message

	// NodeOutputs are shallow-merged under each node id; later entries win
	// per key.
	NodeOutputs map[string]map[string]any

	// Route selects the conditional branch taken after this node.
	Route *string

	// Usage is folded into the execution-level cost counters; it never
	// lands in state itself.
	Usage *Usage

	// DelaySeconds tells the orchestrator to delay before enqueueing
	// successors.
	DelaySeconds int

	// ResumeInput is present on the first invocation after a resume and is
	// consumed by the component; it is never merged.
	ResumeInput any

	// Loop carries the items a loop node wants iterated. The orchestrator
	// launches the body subgraph once per item.
	Loop *LoopSignal

	// Output is the canonical answer of this node, used when composing the
	// execution's final_output. Non-nil means set.
	Output any

	// BranchResults and Plan overwrite their state keys when non-nil.
	BranchResults map[string]any
	Plan          any

	// Error and ShouldRetry signal explicit failure handling.
	Error       string
	ShouldRetry *bool

	// Suspend asks the orchestrator to interrupt the execution: a human
	// confirmation ticket or an agent tool interrupt.
	Suspend *Suspend

	// Spawn raises the spawn_and_await protocol: the parent interrupts and
	// the listed tasks run as child executions.
	Spawn *SpawnRequest

	// LLMCalls and ToolInvocations count the model and tool calls made
	// inside this node, for the activity summary.
	LLMCalls        int
	ToolInvocations int
}

// LoopSignal carries the source list for loop fan-out.
type LoopSignal struct {
	Items      []any
	SourceNode string
}

// Suspend kinds.
const (
	SuspendHuman = "human"
	SuspendAgent = "agent"
)

// Suspend describes why an execution pauses and what to show the human.
type Suspend struct {
	Kind   string
	Prompt string
}

// SpawnTask is one child workflow request; slug "self" reuses the parent's
// workflow.
type SpawnTask struct {
	WorkflowSlug string `json:"workflow_slug"`
	InputText    string `json:"input_text"`
}

// SpawnRequest is the payload an agent raises when it invokes
// spawn_and_await.
type SpawnRequest struct {
	Tasks []SpawnTask `json:"tasks"`
}

// RouteTo is a convenience for building a route-only delta field.
func RouteTo(route string) *string { return &route }

// Merge applies d to s under the core merge rules: messages append,
// node_outputs shallow-merge per node id, everything else overwrites when
// present. Loop, Usage, Suspend, Spawn, DelaySeconds, and ResumeInput are
// orchestrator-consumed and do not merge into state (loop initialisation is
// the orchestrator's job; see engine).
func Merge(s *ExecState, d Delta) {
	s.Messages = append(s.Messages, d.Messages...)

	if len(d.NodeOutputs) > 0 {
		if s.NodeOutputs == nil {
			s.NodeOutputs = map[string]map[string]any{}
		}
		for nodeID, out := range d.NodeOutputs {
			existing := s.NodeOutputs[nodeID]
			if existing == nil {
				existing = map[string]any{}
				s.NodeOutputs[nodeID] = existing
			}
			for k, v := range out {
				existing[k] = v
			}
		}
	}

	if d.Route != nil {
		s.Route = *d.Route
	}
	if d.Output != nil {
		s.Output = d.Output
	}
	if d.BranchResults != nil {
		s.BranchResults = d.BranchResults
	}
	if d.Plan != nil {
		s.Plan = d.Plan
	}
	if d.Error != "" {
		s.Error = d.Error
	}
	if d.ShouldRetry != nil {
		s.ShouldRetry = *d.ShouldRetry
	}
}
