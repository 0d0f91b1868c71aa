package component

import (
	"context"
	"strings"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/template"
)

// categorizer classifies the inbound text into one of a configured category
// set using an LLM, and routes on the winning category.
type categorizer struct {
	node *flow.Node
	deps *Deps
}

func newCategorizer(node *flow.Node, deps *Deps) (Runner, error) {
	if deps.Models == nil {
		return nil, flow.Errf(flow.CodeValidation, "node %s needs a model resolver", node.NodeID)
	}
	if node.Config == nil {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no config", node.NodeID)
	}
	if len(extraStrings(node.Config.ExtraConfig, "categories")) == 0 {
		return nil, flow.Errf(flow.CodeValidation, "node %s has no categories", node.NodeID)
	}
	return &categorizer{node: node, deps: deps}, nil
}

func (c *categorizer) Run(ctx context.Context, rc *RunContext) (state.Delta, error) {
	extra := renderedExtra(c.node, rc.State)
	categories := extraStrings(extra, "categories")
	fallback := extraBool(extra, "fallback_enabled")

	cfg := effectiveModelConfig(rc.Workflow, c.node)
	client, err := c.deps.Models(cfg.ModelName, cfg.LLMCredentialID)
	if err != nil {
		return state.Delta{}, err
	}

	text := latestUserText(rc.State)
	prompt := template.Render(rc.State, c.node.Config.SystemPrompt)
	if prompt == "" {
		prompt = "You are a classifier. Reply with exactly one category name and nothing else."
	}
	prompt += "\nCategories: " + strings.Join(categories, ", ")

	out, err := client.Chat(ctx, []state.Message{{Role: state.RoleUser, Content: text}},
		chatOptions(cfg, prompt, nil))
	if err != nil {
		return state.Delta{}, err
	}

	answer := strings.ToLower(strings.TrimSpace(out.Text))
	route := ""
	for _, cat := range categories {
		if strings.ToLower(cat) == answer || strings.Contains(answer, strings.ToLower(cat)) {
			route = cat
			break
		}
	}
	if route == "" {
		if !fallback {
			return state.Delta{}, flow.Errf(flow.CodeValidation,
				"model answered %q, which is not a configured category", out.Text)
		}
		route = flow.RouteOther
	}

	return state.Delta{
		Route: state.RouteTo(route),
		NodeOutputs: map[string]map[string]any{
			c.node.NodeID: {
				"category": route,
				"raw":      out.Text,
				"input":    text,
			},
		},
		Usage:    &out.Usage,
		LLMCalls: 1,
	}, nil
}
