package component

import (
	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/model"
	"github.com/theuselessai/pipelit/flow/state"
)

// effectiveModelConfig resolves which model tuning applies to an LLM-driven
// node. Precedence:
//  1. the config referenced by llm_model_config_id, when set
//  2. the config of an ai_model node attached via an llm-labelled edge
//  3. the node's own config
//
// The referenced ai_model config contributes only the fields it sets; the
// node's own config fills the rest.
func effectiveModelConfig(w *flow.Workflow, node *flow.Node) flow.ComponentConfig {
	base := flow.ComponentConfig{}
	if node.Config != nil {
		base = *node.Config
	}

	var override *flow.ComponentConfig
	if node.Config != nil && node.Config.LLMModelConfigID != nil {
		for _, n := range w.Nodes {
			if n.Config != nil && n.Config.ID == *node.Config.LLMModelConfigID {
				override = n.Config
				break
			}
		}
	}
	if override == nil {
		for _, e := range w.LateralEdges(node.NodeID, flow.LabelLLM) {
			target := w.Node(e.TargetNodeID)
			if target != nil && target.ComponentType == flow.TypeAIModel && target.Config != nil {
				override = target.Config
				break
			}
		}
	}
	if override == nil {
		return base
	}

	if override.ModelName != "" {
		base.ModelName = override.ModelName
	}
	if override.Temperature != nil {
		base.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		base.MaxTokens = override.MaxTokens
	}
	if override.TopP != nil {
		base.TopP = override.TopP
	}
	if override.FrequencyPenalty != nil {
		base.FrequencyPenalty = override.FrequencyPenalty
	}
	if override.PresencePenalty != nil {
		base.PresencePenalty = override.PresencePenalty
	}
	if override.ResponseFormat != "" {
		base.ResponseFormat = override.ResponseFormat
	}
	if override.LLMCredentialID != nil {
		base.LLMCredentialID = override.LLMCredentialID
	}
	return base
}

// ModelNameFor exposes the resolved model name of a node, used by the
// engine to price usage it folds into execution counters.
func ModelNameFor(w *flow.Workflow, node *flow.Node) string {
	return effectiveModelConfig(w, node).ModelName
}

// chatOptions maps a resolved config onto the model call options.
func chatOptions(cfg flow.ComponentConfig, systemPrompt string, tools []model.ToolSpec) model.Options {
	return model.Options{
		Model:            cfg.ModelName,
		SystemPrompt:     systemPrompt,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
		ResponseFormat:   cfg.ResponseFormat,
		Tools:            tools,
	}
}

// fitMessages trims the conversation to the model's context budget.
func fitMessages(messages []state.Message, cfg flow.ComponentConfig) []state.Message {
	return model.TrimMessages(messages, model.FitBudget(cfg.ModelName, cfg.MaxTokens))
}

// latestUserText finds the text the node should react to: the most recent
// user message, falling back to the trigger payload.
func latestUserText(s *state.ExecState) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == state.RoleUser {
			return s.Messages[i].Content
		}
	}
	for _, key := range []string{"text", "input_text", "message", "body"} {
		if v, ok := s.Trigger[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
