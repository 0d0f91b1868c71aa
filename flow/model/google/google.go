// Package google adapts the Gemini API to the model.ChatModel interface.
package google

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/model"
	"github.com/theuselessai/pipelit/flow/state"
)

// Client wraps a Gemini SDK client.
type Client struct {
	client *genai.Client
}

// New builds a client with the given API key.
func New(ctx context.Context, apiKey string) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, flow.Wrap(flow.CodeProviderError, "failed to create Gemini client", err)
	}
	return &Client{client: client}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error { return c.client.Close() }

// Chat implements model.ChatModel. History replays through a chat session;
// the final user turn is the sent message.
func (c *Client) Chat(ctx context.Context, messages []state.Message, opts model.Options) (model.ChatOut, error) {
	gm := c.client.GenerativeModel(opts.Model)

	if opts.SystemPrompt != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(opts.SystemPrompt)}}
	}
	if opts.Temperature != nil {
		gm.SetTemperature(float32(*opts.Temperature))
	}
	if opts.MaxTokens != nil {
		gm.SetMaxOutputTokens(int32(*opts.MaxTokens))
	}
	if opts.TopP != nil {
		gm.SetTopP(float32(*opts.TopP))
	}
	if opts.ResponseFormat == "json" && len(opts.Tools) == 0 {
		gm.ResponseMIMEType = "application/json"
	}
	if len(opts.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range opts.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convertSchema(t.Schema),
			})
		}
		gm.Tools = []*genai.Tool{tool}
	}

	history, last := convertMessages(messages)
	session := gm.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, last...)
	if err != nil {
		return model.ChatOut{}, flow.Wrap(flow.CodeProviderError, "gemini chat failed", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.ChatOut{}, flow.Errf(flow.CodeProviderError, "gemini returned no candidates")
	}

	out := model.ChatOut{Model: opts.Model}
	if resp.UsageMetadata != nil {
		out.Usage = state.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for i, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, state.ToolCall{
				// Gemini does not issue call ids; synthesize stable ones.
				ID:   fmt.Sprintf("call-%d", i),
				Name: p.Name,
				Args: p.Args,
			})
		}
	}
	return out, nil
}

// convertMessages splits the conversation into session history plus the
// final turn to send. Tool results become function responses.
func convertMessages(messages []state.Message) (history []*genai.Content, last []genai.Part) {
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case state.RoleSystem:
			// Folded into SystemInstruction by the caller's options.
		case state.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(m.Content)},
			})
		case state.RoleAssistant:
			var parts []genai.Part
			if m.Content != "" {
				parts = append(parts, genai.Text(m.Content))
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case state.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     m.ToolCallID,
					Response: map[string]any{"result": m.Content},
				}},
			})
		}
	}

	if len(contents) == 0 {
		return nil, []genai.Part{genai.Text("")}
	}
	lastContent := contents[len(contents)-1]
	if lastContent.Role == "user" {
		return contents[:len(contents)-1], lastContent.Parts
	}
	// Conversation ends on a model turn; send an empty continuation.
	return contents, []genai.Part{genai.Text("continue")}
}

// convertSchema maps a JSON-schema object onto genai.Schema. Only the
// subset tool schemas actually use (object/array/scalar types, properties,
// required) is translated.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{Type: schemaType(schema["type"])}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = map[string]*genai.Schema{}
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out.Properties[name] = convertSchema(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = convertSchema(items)
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

func schemaType(t any) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeUnspecified
	}
}
