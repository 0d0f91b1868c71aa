package component

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
)

// merge collects the outputs of named source nodes. Mode "append" flattens
// them into one list; mode "combine" dict-merges them.
type merge struct {
	node *flow.Node
}

func newMerge(node *flow.Node, _ *Deps) (Runner, error) {
	return &merge{node: node}, nil
}

func (m *merge) Run(_ context.Context, rc *RunContext) (state.Delta, error) {
	extra := renderedExtra(m.node, rc.State)
	mode := extraString(extra, "mode")
	if mode == "" {
		mode = "append"
	}
	sources := extraStrings(extra, "source_nodes")
	if len(sources) == 0 {
		// Merge everything upstream produced, in map order; explicit
		// source_nodes is the deterministic form.
		for nodeID := range rc.State.NodeOutputs {
			if nodeID != m.node.NodeID {
				sources = append(sources, nodeID)
			}
		}
	}

	switch mode {
	case "append":
		var combined []any
		for _, src := range sources {
			out := rc.State.NodeOutput(src)
			if out == nil {
				continue
			}
			if items, ok := out["items"].([]any); ok {
				combined = append(combined, items...)
				continue
			}
			combined = append(combined, out)
		}
		return state.Delta{
			NodeOutputs: map[string]map[string]any{
				m.node.NodeID: {"items": combined, "count": len(combined)},
			},
			Output: combined,
		}, nil
	case "combine":
		combined := map[string]any{}
		for _, src := range sources {
			for k, v := range rc.State.NodeOutput(src) {
				combined[k] = v
			}
		}
		return state.Delta{
			NodeOutputs: map[string]map[string]any{
				m.node.NodeID: combined,
			},
			Output: combined,
		}, nil
	default:
		return state.Delta{}, flow.Errf(flow.CodeValidation, "unknown merge mode %q", mode)
	}
}
