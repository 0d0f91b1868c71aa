package component

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/template"
)

// subWorkflow spawns one child execution and suspends until it terminates.
// It rides the same spawn/await protocol agents use, with a single task, so
// resume ordering and failure marking come for free.
type subWorkflow struct {
	node *flow.Node
	deps *Deps
}

func newSubWorkflow(node *flow.Node, deps *Deps) (Runner, error) {
	if node.SubworkflowID == nil {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no subworkflow binding", node.NodeID)
	}
	if deps.Store == nil {
		return nil, flow.Errf(flow.CodeValidation, "node %s needs a store", node.NodeID)
	}
	return &subWorkflow{node: node, deps: deps}, nil
}

func (s *subWorkflow) Run(ctx context.Context, rc *RunContext) (state.Delta, error) {
	if rc.ResumeInput != nil {
		results, ok := rc.ResumeInput.([]any)
		if !ok || len(results) == 0 {
			return state.Delta{}, flow.Errf(flow.CodeUnrecoverable,
				"node %s resumed without child results", s.node.NodeID)
		}
		return state.Delta{
			NodeOutputs: map[string]map[string]any{
				s.node.NodeID: {"result": results[0]},
			},
			Output: results[0],
		}, nil
	}

	child, err := s.deps.Store.GetWorkflow(ctx, *s.node.SubworkflowID)
	if err != nil {
		return state.Delta{}, flow.Wrap(flow.CodeValidation, "subworkflow not found", err)
	}

	input := s.node.Config.Extra("input")
	if input != "" {
		input = template.Render(rc.State, input)
	} else {
		input = latestUserText(rc.State)
	}

	return state.Delta{
		Spawn: &state.SpawnRequest{
			Tasks: []state.SpawnTask{{WorkflowSlug: child.Slug, InputText: input}},
		},
	}, nil
}
