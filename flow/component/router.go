package component

import (
	"context"
	"encoding/json"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
)

// router evaluates an ordered rule list against the execution state and
// writes the id of the first matching rule as the route. Backs both the
// router and switch component types.
type router struct {
	node            *flow.Node
	rules           []Rule
	fallbackEnabled bool
}

func newRouter(node *flow.Node, _ *Deps) (Runner, error) {
	extra := map[string]any{}
	if node.Config != nil && node.Config.ExtraConfig != nil {
		extra = node.Config.ExtraConfig
	}
	rules, err := parseRules(extraList(extra, "rules"))
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no routing rules", node.NodeID)
	}
	return &router{
		node:            node,
		rules:           rules,
		fallbackEnabled: extraBool(extra, "fallback_enabled"),
	}, nil
}

func (r *router) Run(_ context.Context, rc *RunContext) (state.Delta, error) {
	root := stateRoot(rc.State)

	for _, rule := range r.rules {
		matched, err := evalRule(root, rule)
		if err != nil {
			return state.Delta{}, err
		}
		if matched {
			return state.Delta{
				Route: state.RouteTo(rule.ID),
				NodeOutputs: map[string]map[string]any{
					r.node.NodeID: {"route": rule.ID, "matched_field": rule.Field},
				},
			}, nil
		}
	}

	route := ""
	if r.fallbackEnabled {
		route = flow.RouteOther
	}
	return state.Delta{
		Route: state.RouteTo(route),
		NodeOutputs: map[string]map[string]any{
			r.node.NodeID: {"route": route},
		},
	}, nil
}

// stateRoot decodes the execution state into the generic map form rule
// paths resolve against.
func stateRoot(s *state.ExecState) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return map[string]any{}
	}
	return root
}
