package component

import (
	"context"
	"fmt"
	"strings"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/template"
)

// Confirmation decisions produced on resume.
const (
	DecisionConfirmed = "confirmed"
	DecisionCancelled = "cancelled"
)

// humanConfirmation suspends the execution until a human answers. The first
// invocation raises the suspend; the post-resume invocation normalises the
// answer and routes on it.
type humanConfirmation struct {
	node *flow.Node
}

func newHumanConfirmation(node *flow.Node, _ *Deps) (Runner, error) {
	return &humanConfirmation{node: node}, nil
}

func (h *humanConfirmation) Run(_ context.Context, rc *RunContext) (state.Delta, error) {
	if rc.ResumeInput == nil {
		prompt := "Please confirm to continue."
		if h.node.Config != nil && h.node.Config.SystemPrompt != "" {
			prompt = template.Render(rc.State, h.node.Config.SystemPrompt)
		}
		return state.Delta{
			Suspend: &state.Suspend{Kind: state.SuspendHuman, Prompt: prompt},
		}, nil
	}

	raw := fmt.Sprint(rc.ResumeInput)
	decision := normalizeDecision(raw)
	return state.Delta{
		Route: state.RouteTo(decision),
		NodeOutputs: map[string]map[string]any{
			h.node.NodeID: {"decision": decision, "raw": raw},
		},
	}, nil
}

// normalizeDecision folds free-form human answers onto confirmed|cancelled.
// Anything not recognisably positive is a cancellation.
func normalizeDecision(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "y", "ok", "okay", "confirm", "confirmed", "approve", "approved", "true", "1", "да":
		return DecisionConfirmed
	default:
		return DecisionCancelled
	}
}
