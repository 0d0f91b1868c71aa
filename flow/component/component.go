// Package component implements the per-node behaviours of the workflow
// runtime. Every executable node type has a factory that binds a Node to a
// Runner; the orchestrator invokes the runner with the accumulated state and
// merges the delta it returns.
package component

import (
	"context"
	"time"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/emit"
	"github.com/theuselessai/pipelit/flow/model"
	"github.com/theuselessai/pipelit/flow/state"
	"github.com/theuselessai/pipelit/flow/store"
)

// ModelResolver builds a chat model client for an effective config. Engines
// wire providers here; tests wire model.MockChatModel.
type ModelResolver func(modelName string, credentialID *int64) (model.ChatModel, error)

// Platform reaches the surrounding platform for bundles the orchestration
// core does not own (epics, tasks, user management, generic platform API).
// Tools built on it degrade to a validation error when it is absent.
type Platform interface {
	Invoke(ctx context.Context, action string, args map[string]any) (map[string]any, error)
}

// Deps carries everything a component factory may need. Store and Emitter
// are mandatory; the rest depend on which component types the workflow uses.
type Deps struct {
	Store   store.Store
	Emitter emit.Emitter

	Models   ModelResolver
	Platform Platform

	// TOTPSecrets backs the get_totp_code bundle: account → base32 secret.
	TOTPSecrets map[string]string

	// Now is injectable for tests. Nil means time.Now.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) emit(event emit.Event) {
	if d.Emitter != nil {
		d.Emitter.Emit(event)
	}
}

// RunContext is the per-invocation input to a Runner.
type RunContext struct {
	Workflow  *flow.Workflow
	Node      *flow.Node
	Execution *flow.WorkflowExecution

	// State is the node's working copy; runners may read it freely but
	// must express changes through the returned delta.
	State *state.ExecState

	// ResumeInput is non-nil on the first invocation after a resume
	// (human confirmation answer, spawn results, child final output).
	ResumeInput any
}

// Runner is a bound component: node plus config plus dependencies, ready to
// execute.
type Runner interface {
	Run(ctx context.Context, rc *RunContext) (state.Delta, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, rc *RunContext) (state.Delta, error)

func (f RunnerFunc) Run(ctx context.Context, rc *RunContext) (state.Delta, error) {
	return f(ctx, rc)
}

// Factory binds a node to a runner at build time. Configuration errors
// surface here, not at run time.
type Factory func(node *flow.Node, deps *Deps) (Runner, error)

// Registry maps component types to factories. The set is closed: building a
// node of an unregistered type is a validation error.
type Registry struct {
	deps      *Deps
	factories map[flow.ComponentType]Factory
}

// NewRegistry builds a registry with every built-in executable component
// type registered.
func NewRegistry(deps *Deps) *Registry {
	r := &Registry{
		deps:      deps,
		factories: map[flow.ComponentType]Factory{},
	}
	r.Register(flow.TypeAgent, newAgent)
	r.Register(flow.TypeRouter, newRouter)
	r.Register(flow.TypeSwitch, newRouter)
	r.Register(flow.TypeCategorizer, newCategorizer)
	r.Register(flow.TypeLoop, newLoop)
	r.Register(flow.TypeMerge, newMerge)
	r.Register(flow.TypeFilter, newFilter)
	r.Register(flow.TypeHumanConfirmation, newHumanConfirmation)
	r.Register(flow.TypeCode, newCode)
	r.Register(flow.TypeCodeExecute, newCode)
	r.Register(flow.TypeHTTPRequest, newHTTPNode)
	r.Register(flow.TypeWorkflow, newSubWorkflow)
	return r
}

// Register installs (or overrides) a factory for a component type.
func (r *Registry) Register(t flow.ComponentType, f Factory) {
	r.factories[t] = f
}

// Build binds a node to its runner.
func (r *Registry) Build(node *flow.Node) (Runner, error) {
	factory, ok := r.factories[node.ComponentType]
	if !ok {
		return nil, flow.Errf(flow.CodeValidation,
			"node %s has unknown component type %q", node.NodeID, node.ComponentType)
	}
	return factory(node, r.deps)
}

// Deps exposes the registry's dependency set, used by the engine for
// operations that live outside any single component (checkpoints, events).
func (r *Registry) Deps() *Deps { return r.deps }
