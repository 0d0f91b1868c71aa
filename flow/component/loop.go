package component

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
)

// loop reads a source list out of state and signals the orchestrator to
// launch the loop body once per item. Iteration bookkeeping lives in the
// engine; the component only names the items.
type loop struct {
	node *flow.Node
}

func newLoop(node *flow.Node, _ *Deps) (Runner, error) {
	if node.Config == nil || node.Config.Extra("source_node") == "" {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no loop source_node", node.NodeID)
	}
	return &loop{node: node}, nil
}

func (l *loop) Run(_ context.Context, rc *RunContext) (state.Delta, error) {
	extra := renderedExtra(l.node, rc.State)
	sourceNode := extraString(extra, "source_node")
	field := extraString(extra, "field")
	if field == "" {
		field = "items"
	}

	raw, _ := lookupPath(stateRoot(rc.State), "node_outputs."+sourceNode+"."+field)
	items, ok := raw.([]any)
	if raw != nil && !ok {
		return state.Delta{}, flow.Errf(flow.CodeValidation,
			"loop source %s.%s is not a list", sourceNode, field)
	}

	return state.Delta{
		Loop: &state.LoopSignal{Items: items, SourceNode: sourceNode},
		NodeOutputs: map[string]map[string]any{
			l.node.NodeID: {"total": len(items)},
		},
	}, nil
}
