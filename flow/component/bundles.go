package component

import (
	"context"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/tool"
)

// SpawnToolName is the reserved tool the agent intercepts instead of
// calling: invoking it raises the spawn/await interrupt.
const SpawnToolName = "spawn_and_await"

// ToolsFor discovers and binds the tools attached to a node via
// tool-labelled edges. Binding happens per invocation because several
// bundles close over the current execution (thread id, user context).
func ToolsFor(deps *Deps, rc *RunContext) ([]tool.Tool, error) {
	var tools []tool.Tool
	for _, e := range rc.Workflow.LateralEdges(rc.Node.NodeID, flow.LabelTool) {
		target := rc.Workflow.Node(e.TargetNodeID)
		if target == nil {
			return nil, flow.Errf(flow.CodeValidation,
				"tool edge of %s points at missing node %s", rc.Node.NodeID, e.TargetNodeID)
		}
		bundle, err := bundleFor(deps, rc, target)
		if err != nil {
			return nil, err
		}
		tools = append(tools, bundle...)
	}
	return tools, nil
}

// bundleFor maps one attached node onto the tool(s) it contributes.
func bundleFor(deps *Deps, rc *RunContext, target *flow.Node) ([]tool.Tool, error) {
	switch target.ComponentType {
	case flow.TypeCalculator:
		return []tool.Tool{tool.NewCalculator()}, nil
	case flow.TypeDatetime:
		return []tool.Tool{tool.NewDateTime()}, nil
	case flow.TypeWebSearch:
		return []tool.Tool{tool.NewWebSearch()}, nil
	case flow.TypeRunCommand:
		return []tool.Tool{tool.NewRunCommand()}, nil
	case flow.TypeHTTPRequest:
		return []tool.Tool{tool.NewHTTPRequest()}, nil
	case flow.TypeGetTOTPCode:
		return []tool.Tool{tool.NewTOTP(deps.TOTPSecrets)}, nil
	case flow.TypeSpawnAndAwait:
		return []tool.Tool{&spawnTool{}}, nil
	case flow.TypeMemoryRead:
		return []tool.Tool{newMemoryRead(deps, rc)}, nil
	case flow.TypeMemoryWrite:
		return []tool.Tool{newMemoryWrite(deps, rc)}, nil
	case flow.TypeSchedulerTools:
		return schedulerTools(deps, rc), nil
	case flow.TypeWorkflowDiscover:
		return []tool.Tool{newWorkflowDiscover(deps)}, nil
	case flow.TypeWorkflowCreate:
		return []tool.Tool{newWorkflowCreate(deps)}, nil
	case flow.TypeSystemHealth:
		return []tool.Tool{newSystemHealth(deps)}, nil
	case flow.TypeWhoami:
		return []tool.Tool{newWhoami(rc)}, nil
	case flow.TypeIdentifyUser:
		return []tool.Tool{newPlatformTool(deps, "identify_user",
			"Looks up a platform user by external id or name.",
			map[string]any{"query": map[string]any{"type": "string"}})}, nil
	case flow.TypeCreateAgentUser:
		return []tool.Tool{newPlatformTool(deps, "create_agent_user",
			"Creates a platform user account operated by this agent.",
			map[string]any{"name": map[string]any{"type": "string"}})}, nil
	case flow.TypePlatformAPI:
		return []tool.Tool{newPlatformTool(deps, "platform_api",
			"Calls a platform API action with arbitrary arguments.",
			map[string]any{
				"action": map[string]any{"type": "string"},
				"args":   map[string]any{"type": "object"},
			})}, nil
	case flow.TypeEpicTools:
		return []tool.Tool{
			newPlatformTool(deps, "create_epic", "Creates an epic.",
				map[string]any{"title": map[string]any{"type": "string"}}),
			newPlatformTool(deps, "list_epics", "Lists epics.", map[string]any{}),
			newPlatformTool(deps, "update_epic", "Updates an epic.",
				map[string]any{
					"epic_id": map[string]any{"type": "integer"},
					"fields":  map[string]any{"type": "object"},
				}),
		}, nil
	case flow.TypeTaskTools:
		return []tool.Tool{
			newPlatformTool(deps, "create_task", "Creates a task inside an epic.",
				map[string]any{
					"epic_id": map[string]any{"type": "integer"},
					"title":   map[string]any{"type": "string"},
				}),
			newPlatformTool(deps, "list_tasks", "Lists tasks.",
				map[string]any{"epic_id": map[string]any{"type": "integer"}}),
			newPlatformTool(deps, "update_task", "Updates a task.",
				map[string]any{
					"task_id": map[string]any{"type": "integer"},
					"fields":  map[string]any{"type": "object"},
				}),
		}, nil
	default:
		return nil, flow.Errf(flow.CodeValidation,
			"node %s of type %s cannot be bound as a tool", target.NodeID, target.ComponentType)
	}
}

// spawnTool only advertises the spawn_and_await contract; the agent
// intercepts invocations before Call could run.
type spawnTool struct{}

func (s *spawnTool) Name() string { return SpawnToolName }

func (s *spawnTool) Description() string {
	return "Spawns one child workflow execution per task and waits for all " +
		"of them. Results come back as a list in task order. Use " +
		"workflow_slug \"self\" to run this workflow."
}

func (s *spawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasks": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"workflow_slug": map[string]any{"type": "string"},
						"input_text":    map[string]any{"type": "string"},
					},
					"required": []any{"workflow_slug", "input_text"},
				},
			},
		},
		"required": []any{"tasks"},
	}
}

func (s *spawnTool) Call(context.Context, map[string]any) (map[string]any, error) {
	return nil, flow.Errf(flow.CodeUnrecoverable, "spawn_and_await must be intercepted by the agent")
}
