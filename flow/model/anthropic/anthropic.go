// Package anthropic adapts the Anthropic messages API to the
// model.ChatModel interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/model"
	"github.com/theuselessai/pipelit/flow/state"
)

// defaultMaxTokens applies when the node config leaves max_tokens unset;
// the Anthropic API requires an explicit value.
const defaultMaxTokens = 4096

// Client wraps an Anthropic SDK client.
type Client struct {
	client anthropic.Client
}

// New builds a client with the given API key.
func New(apiKey string) *Client {
	return &Client{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Chat implements model.ChatModel.
func (c *Client) Chat(ctx context.Context, messages []state.Message, opts model.Options) (model.ChatOut, error) {
	maxTokens := defaultMaxTokens
	if opts.MaxTokens != nil && *opts.MaxTokens > 0 {
		maxTokens = *opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(messages),
	}
	system := systemText(messages, opts.SystemPrompt)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if opts.TopP != nil {
		params.TopP = anthropic.Float(*opts.TopP)
	}
	for _, t := range opts.Tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: toolSchema(t.Schema),
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, flow.Wrap(flow.CodeProviderError, "anthropic chat failed", err)
	}

	out := model.ChatOut{
		Model: string(message.Model),
		Usage: state.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Text += variant.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if err := json.Unmarshal([]byte(variant.JSON.Input.Raw()), &args); err != nil {
				return model.ChatOut{}, flow.Wrap(flow.CodeProviderError,
					fmt.Sprintf("anthropic tool call %s has malformed input", variant.Name), err)
			}
			out.ToolCalls = append(out.ToolCalls, state.ToolCall{
				ID:   variant.ID,
				Name: variant.Name,
				Args: args,
			})
		}
	}
	return out, nil
}

// systemText merges the configured system prompt with any leading system
// message; Anthropic carries system text outside the message list.
func systemText(messages []state.Message, prompt string) string {
	for _, m := range messages {
		if m.Role == state.RoleSystem {
			if prompt == "" {
				return m.Content
			}
			return prompt + "\n\n" + m.Content
		}
	}
	return prompt
}

func convertMessages(messages []state.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case state.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case state.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: tc.Args,
					},
				})
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case state.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	return out
}

func toolSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	out := anthropic.ToolInputSchemaParam{}
	if props, ok := schema["properties"]; ok {
		out.Properties = props
	}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}
