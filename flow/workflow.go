package flow

import (
	"encoding/json"
	"sort"
	"time"
)

// Workflow is a named, slugged container of nodes and edges. Soft deletion
// is a tombstone timestamp; DeletedAt non-nil means the workflow is gone
// for every purpose except audit.
type Workflow struct {
	ID      int64
	Slug    string
	Name    string
	OwnerID int64

	IsActive  bool
	IsDefault bool
	Tags      []string

	// MaxExecutionSeconds bounds a single execution's wall clock. Zero
	// means the engine default (600s).
	MaxExecutionSeconds int

	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// ErrorHandlerWorkflowID, when set, names the workflow fired with the
	// error payload after an execution exhausts its retries. IDs are the
	// edges here; the record is dereferenced at use, never held in memory.
	ErrorHandlerWorkflowID *int64

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time

	Nodes []*Node
	Edges []*Edge
}

// Node finds a node by its workflow-scoped node id. Returns nil if absent.
func (w *Workflow) Node(nodeID string) *Node {
	for _, n := range w.Nodes {
		if n.NodeID == nodeID {
			return n
		}
	}
	return nil
}

// LateralEdges returns the outgoing edges of nodeID carrying the given
// label, ordered by priority then id. Used to discover a node's attached
// sub-components (llm, tool, output_parser).
func (w *Workflow) LateralEdges(nodeID string, label EdgeLabel) []*Edge {
	var out []*Edge
	for _, e := range w.Edges {
		if e.SourceNodeID == nodeID && e.EdgeLabel == label {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ContentStamps collects every updated_at that participates in the
// workflow's content fingerprint: the workflow row, each node, and each
// node's config. Any edit touches at least one of these.
func (w *Workflow) ContentStamps() []time.Time {
	stamps := []time.Time{w.UpdatedAt}
	for _, n := range w.Nodes {
		stamps = append(stamps, n.UpdatedAt)
		if n.Config != nil {
			stamps = append(stamps, n.Config.UpdatedAt)
		}
	}
	return stamps
}

// Node is one vertex of a persisted workflow graph. (WorkflowID, NodeID) is
// unique; NodeID is the human-assigned graph-local identifier used by edges
// and by expression substitution.
type Node struct {
	ID         int64
	WorkflowID int64
	NodeID     string

	ComponentType ComponentType
	Config        *ComponentConfig

	IsEntryPoint    bool
	InterruptBefore bool
	InterruptAfter  bool

	// SubworkflowID binds a "workflow" node to the child it spawns.
	SubworkflowID *int64
	// CodeBlockID binds a code node to an externally stored source block.
	CodeBlockID *int64

	UpdatedAt time.Time
}

// ComponentConfig is the polymorphic per-node configuration. Which fields
// are meaningful depends on ComponentType; unused fields stay zero. Stored
// as a single wide row, mirroring the persistence layout.
type ComponentConfig struct {
	ID            int64
	ComponentType ComponentType

	SystemPrompt string
	ExtraConfig  map[string]any

	// Model tuning. Pointers distinguish "unset" from zero values.
	ModelName        string
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	TimeoutSeconds   *int
	MaxRetries       *int
	ResponseFormat   string

	// LLMCredentialID selects the credential used to build the provider
	// client. LLMModelConfigID is an indirection: it references another
	// ComponentConfig of type ai_model whose tuning fields win.
	LLMCredentialID  *int64
	LLMModelConfigID *int64

	// Trigger fields.
	CredentialID  *int64
	IsActive      bool
	Priority      int
	TriggerConfig map[string]any

	UpdatedAt time.Time
}

// Extra returns ExtraConfig[key] as a string, or "" when absent or not a
// string.
func (c *ComponentConfig) Extra(key string) string {
	if c == nil || c.ExtraConfig == nil {
		return ""
	}
	s, _ := c.ExtraConfig[key].(string)
	return s
}

// Edge connects two nodes of one workflow. Conditional edges carry either a
// ConditionValue (preferred) or a legacy ConditionMapping of route value to
// target node id.
type Edge struct {
	ID         int64
	WorkflowID int64

	SourceNodeID string
	TargetNodeID string

	EdgeType  EdgeType
	EdgeLabel EdgeLabel

	ConditionValue   string
	ConditionMapping map[string]string

	// Priority breaks ties when several edges compete for the same route.
	Priority int
}
