package component

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
)

// filter applies a rule set to each element of a source list and keeps the
// elements for which every rule holds.
type filter struct {
	node  *flow.Node
	rules []Rule
}

func newFilter(node *flow.Node, _ *Deps) (Runner, error) {
	extra := map[string]any{}
	if node.Config != nil && node.Config.ExtraConfig != nil {
		extra = node.Config.ExtraConfig
	}
	rules, err := parseRules(extraList(extra, "rules"))
	if err != nil {
		return nil, err
	}
	return &filter{node: node, rules: rules}, nil
}

func (f *filter) Run(_ context.Context, rc *RunContext) (state.Delta, error) {
	extra := renderedExtra(f.node, rc.State)
	sourceNode := extraString(extra, "source_node")
	field := extraString(extra, "field")
	if field == "" {
		field = "items"
	}

	raw, _ := lookupPath(stateRoot(rc.State), "node_outputs."+sourceNode+"."+field)
	items, ok := raw.([]any)
	if raw != nil && !ok {
		return state.Delta{}, flow.Errf(flow.CodeValidation,
			"filter source %s.%s is not a list", sourceNode, field)
	}

	kept := []any{}
	for _, item := range items {
		matched := true
		for _, rule := range f.rules {
			ok, err := evalRule(item, rule)
			if err != nil {
				return state.Delta{}, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			kept = append(kept, item)
		}
	}

	return state.Delta{
		NodeOutputs: map[string]map[string]any{
			f.node.NodeID: {
				"items":    kept,
				"count":    len(kept),
				"filtered": len(items) - len(kept),
			},
		},
	}, nil
}
