// Package tool defines the tool interface agents invoke and the built-in
// tools bound to workflow nodes via tool-labelled edges.
package tool

import (
	"context"

	"github.com/theuselessai/pipelit/flow/model"
)

// Tool is something an agent can call during its tool loop.
//
// Name must be unique within the set of tools bound to one agent; it is the
// identifier the model uses to request the call. Schema is a JSON-schema
// object describing the input map. Call receives the model-provided
// arguments and returns a result map that is serialised back to the model.
//
// Example implementation:
//
//	type EchoTool struct{}
//
//	func (e *EchoTool) Name() string        { return "echo" }
//	func (e *EchoTool) Description() string { return "Echoes the input back." }
//	func (e *EchoTool) Schema() map[string]any {
//	    return map[string]any{
//	        "type": "object",
//	        "properties": map[string]any{
//	            "text": map[string]any{"type": "string"},
//	        },
//	        "required": []any{"text"},
//	    }
//	}
//	func (e *EchoTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
//	    return map[string]any{"text": input["text"]}, nil
//	}
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON-schema object for the tool's input.
	Schema() map[string]any

	// Call executes the tool with the given input parameters.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Spec converts a tool into the advertising form the model layer sends to
// providers.
func Spec(t Tool) model.ToolSpec {
	return model.ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		Schema:      t.Schema(),
	}
}

// Specs converts a tool set for a chat request.
func Specs(tools []Tool) []model.ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	out := make([]model.ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = Spec(t)
	}
	return out
}

// ByName finds a tool in a set, or nil.
func ByName(tools []Tool, name string) Tool {
	for _, t := range tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// stringInput reads an optional string parameter.
func stringInput(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// objectSchema builds the common single-object schema shape.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}
