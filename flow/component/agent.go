package component

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/store"
	"github.com/theuselessai/pipelit/flow/template"
	"github.com/theuselessai/pipelit/flow/tool"
)

// maxAgentTurns bounds the tool loop: each turn is one model call plus its
// requested tool invocations. A model that never stops calling tools fails
// the node instead of burning tokens forever.
const maxAgentTurns = 10

// agent is the LLM-driven component: it resolves its model, binds the tools
// attached via tool edges, and runs a checkpointed tool-calling loop on the
// execution's conversation thread.
type agent struct {
	node *flow.Node
	deps *Deps
}

func newAgent(node *flow.Node, deps *Deps) (Runner, error) {
	if deps.Models == nil {
		return nil, flow.Errf(flow.CodeValidation, "node %s needs a model resolver", node.NodeID)
	}
	if deps.Store == nil {
		return nil, flow.Errf(flow.CodeValidation, "node %s needs a store", node.NodeID)
	}
	return &agent{node: node, deps: deps}, nil
}

// agentCheckpoint is the durable tool-loop state keyed by thread id.
// Pending is set while the loop waits on an intercepted spawn_and_await
// call; resume feeds the child results back as that call's result.
type agentCheckpoint struct {
	Messages []state.Message `json:"messages"`
	Pending  *state.ToolCall `json:"pending,omitempty"`
}

func (a *agent) Run(ctx context.Context, rc *RunContext) (state.Delta, error) {
	cfg := effectiveModelConfig(rc.Workflow, a.node)
	if cfg.ModelName == "" {
		return state.Delta{}, flow.Errf(flow.CodeValidation,
			"node %s has no model configured", a.node.NodeID)
	}
	client, err := a.deps.Models(cfg.ModelName, cfg.LLMCredentialID)
	if err != nil {
		return state.Delta{}, err
	}
	tools, err := ToolsFor(a.deps, rc)
	if err != nil {
		return state.Delta{}, err
	}

	systemPrompt := ""
	if a.node.Config != nil {
		systemPrompt = template.Render(rc.State, a.node.Config.SystemPrompt)
	}

	threadID := rc.Execution.ThreadID
	var cp agentCheckpoint
	haveCheckpoint := false
	if data, err := a.deps.Store.LoadThreadCheckpoint(ctx, threadID); err == nil {
		if err := json.Unmarshal(data, &cp); err != nil {
			return state.Delta{}, flow.Wrap(flow.CodeUnrecoverable, "agent checkpoint is corrupt", err)
		}
		haveCheckpoint = true
	} else if !errors.Is(err, store.ErrNotFound) {
		return state.Delta{}, err
	}

	var msgs, appended []state.Message
	if rc.ResumeInput != nil {
		if !haveCheckpoint || cp.Pending == nil {
			return state.Delta{}, flow.Errf(flow.CodeUnrecoverable,
				"node %s resumed without a pending tool call", a.node.NodeID)
		}
		result := resultContent(rc.ResumeInput)
		toolMsg := state.Message{Role: state.RoleTool, Content: result, ToolCallID: cp.Pending.ID}
		msgs = append(cp.Messages, toolMsg)
		appended = append(appended, toolMsg)
		cp.Pending = nil
	} else {
		msgs = append(msgs, rc.State.Messages...)
		input := latestUserText(rc.State)
		if input != "" && (len(msgs) == 0 || msgs[len(msgs)-1].Role != state.RoleUser) {
			userMsg := state.Message{Role: state.RoleUser, Content: input}
			msgs = append(msgs, userMsg)
			appended = append(appended, userMsg)
		}
	}

	var usage state.Usage
	llmCalls, toolCalls := 0, 0
	channel := emit.ExecutionChannel(rc.Execution.ExecutionID)

	for turn := 0; turn < maxAgentTurns; turn++ {
		out, err := client.Chat(ctx, fitMessages(msgs, cfg),
			chatOptions(cfg, systemPrompt, tool.Specs(tools)))
		if err != nil {
			return state.Delta{}, err
		}
		llmCalls++
		usage.Add(out.Usage)

		callUsage := out.Usage
		assistant := state.Message{
			Role:      state.RoleAssistant,
			Content:   out.Text,
			ToolCalls: out.ToolCalls,
			Usage:     &callUsage,
		}
		msgs = append(msgs, assistant)
		appended = append(appended, assistant)

		if len(out.ToolCalls) == 0 {
			if err := a.saveCheckpoint(ctx, threadID, agentCheckpoint{Messages: msgs}); err != nil {
				return state.Delta{}, err
			}
			return state.Delta{
				Messages: appended,
				NodeOutputs: map[string]map[string]any{
					a.node.NodeID: {"response": out.Text},
				},
				Output:          out.Text,
				Usage:           &usage,
				LLMCalls:        llmCalls,
				ToolInvocations: toolCalls,
			}, nil
		}

		for _, tc := range out.ToolCalls {
			if tc.Name == SpawnToolName {
				spawn, err := parseSpawnRequest(tc.Args)
				if err != nil {
					return state.Delta{}, err
				}
				pending := tc
				if err := a.saveCheckpoint(ctx, threadID,
					agentCheckpoint{Messages: msgs, Pending: &pending}); err != nil {
					return state.Delta{}, err
				}
				return state.Delta{
					Messages:        appended,
					Spawn:           spawn,
					Suspend:         &state.Suspend{Kind: state.SuspendAgent},
					Usage:           &usage,
					LLMCalls:        llmCalls,
					ToolInvocations: toolCalls,
				}, nil
			}

			toolCalls++
			a.deps.emit(emit.New(emit.EventToolStarted, channel, map[string]any{
				"execution_id": rc.Execution.ExecutionID,
				"node_id":      a.node.NodeID,
				"tool":         tc.Name,
			}))

			content, failed := a.invokeTool(ctx, tools, tc)
			eventType := emit.EventToolSucceeded
			if failed {
				eventType = emit.EventToolFailed
			}
			a.deps.emit(emit.New(eventType, channel, map[string]any{
				"execution_id": rc.Execution.ExecutionID,
				"node_id":      a.node.NodeID,
				"tool":         tc.Name,
			}))

			toolMsg := state.Message{Role: state.RoleTool, Content: content, ToolCallID: tc.ID}
			msgs = append(msgs, toolMsg)
			appended = append(appended, toolMsg)
		}
	}

	return state.Delta{}, flow.Errf(flow.CodeUnrecoverable,
		"node %s exceeded %d agent turns", a.node.NodeID, maxAgentTurns)
}

// invokeTool runs one requested tool call. Tool failures do not fail the
// node: the error text goes back to the model, which decides what to do.
func (a *agent) invokeTool(ctx context.Context, tools []tool.Tool, tc state.ToolCall) (string, bool) {
	bound := tool.ByName(tools, tc.Name)
	if bound == nil {
		return `{"error": "unknown tool ` + tc.Name + `"}`, true
	}
	result, err := bound.Call(ctx, tc.Args)
	if err != nil {
		data, _ := json.Marshal(map[string]any{"error": err.Error()})
		return string(data), true
	}
	return resultContent(result), false
}

func (a *agent) saveCheckpoint(ctx context.Context, threadID string, cp agentCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return flow.Wrap(flow.CodeUnrecoverable, "agent checkpoint not encodable", err)
	}
	return a.deps.Store.SaveThreadCheckpoint(ctx, threadID, data)
}

// resultContent serialises a tool result (or resume payload) for the
// conversation.
func resultContent(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// parseSpawnRequest validates the arguments of an intercepted
// spawn_and_await call.
func parseSpawnRequest(args map[string]any) (*state.SpawnRequest, error) {
	raw, ok := args["tasks"].([]any)
	if !ok || len(raw) == 0 {
		return nil, flow.Errf(flow.CodeValidation, "spawn_and_await needs a non-empty tasks list")
	}
	req := &state.SpawnRequest{}
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, flow.Errf(flow.CodeValidation, "spawn task %d is not an object", i)
		}
		slug, _ := m["workflow_slug"].(string)
		input, _ := m["input_text"].(string)
		if slug == "" {
			return nil, flow.Errf(flow.CodeValidation, "spawn task %d has no workflow_slug", i)
		}
		req.Tasks = append(req.Tasks, state.SpawnTask{WorkflowSlug: slug, InputText: input})
	}
	return req, nil
}
