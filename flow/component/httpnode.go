package component

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/tool"
)

// httpNode is the executable http_request component: one configured request
// per invocation, with templated url/headers/body.
type httpNode struct {
	node   *flow.Node
	client *tool.HTTPRequest
}

func newHTTPNode(node *flow.Node, _ *Deps) (Runner, error) {
	if node.Config == nil || node.Config.Extra("url") == "" {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no url", node.NodeID)
	}
	return &httpNode{node: node, client: tool.NewHTTPRequest()}, nil
}

func (h *httpNode) Run(ctx context.Context, rc *RunContext) (state.Delta, error) {
	extra := renderedExtra(h.node, rc.State)

	input := map[string]any{"url": extraString(extra, "url")}
	if m := extraString(extra, "method"); m != "" {
		input["method"] = m
	}
	if headers, ok := extra["headers"].(map[string]any); ok {
		input["headers"] = headers
	}
	if body := extraString(extra, "body"); body != "" {
		input["body"] = body
	}
	if obj, ok := extra["json"].(map[string]any); ok {
		input["json"] = obj
	}

	result, err := h.client.Call(ctx, input)
	if err != nil {
		return state.Delta{}, err
	}

	// 5xx responses are transient: surface an error so the retry policy
	// applies. 4xx is the caller's bug and lands in the outputs.
	if status, ok := result["status_code"].(int); ok && status >= 500 {
		return state.Delta{}, flow.Errf(flow.CodeProviderError, "upstream returned %d", status)
	}

	delta := state.Delta{
		NodeOutputs: map[string]map[string]any{h.node.NodeID: result},
	}
	if decoded, ok := result["json"]; ok {
		delta.Output = decoded
	} else {
		delta.Output = result["body"]
	}
	return delta, nil
}
