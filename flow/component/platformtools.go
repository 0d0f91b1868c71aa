package component

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/theuselessai/pipelit/flow"
	"github.com/theuselessai/pipelit/flow/store"
	"github.com/theuselessai/pipelit/flow/tool"
)

// platformTool delegates a named action to the surrounding platform.
type platformTool struct {
	deps   *Deps
	name   string
	desc   string
	props  map[string]any
	action string
}

func newPlatformTool(deps *Deps, name, desc string, props map[string]any) tool.Tool {
	return &platformTool{deps: deps, name: name, desc: desc, props: props, action: name}
}

func (p *platformTool) Name() string        { return p.name }
func (p *platformTool) Description() string { return p.desc }

func (p *platformTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": p.props}
}

func (p *platformTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if p.deps.Platform == nil {
		return nil, flow.Errf(flow.CodeValidation, "platform API is not configured")
	}
	return p.deps.Platform.Invoke(ctx, p.action, input)
}

// whoami reports the execution's user context to the model.
type whoami struct {
	rc *RunContext
}

func newWhoami(rc *RunContext) tool.Tool { return &whoami{rc: rc} }

func (w *whoami) Name() string { return "whoami" }

func (w *whoami) Description() string {
	return "Returns the identity and context of the user this execution runs for."
}

func (w *whoami) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (w *whoami) Call(context.Context, map[string]any) (map[string]any, error) {
	out := map[string]any{
		"execution_id": w.rc.Execution.ExecutionID,
		"workflow_id":  w.rc.Execution.WorkflowID,
	}
	if w.rc.Execution.UserProfileID != nil {
		out["user_profile_id"] = *w.rc.Execution.UserProfileID
	}
	if len(w.rc.State.UserContext) > 0 {
		out["user_context"] = w.rc.State.UserContext
	}
	return out, nil
}

// systemHealth reports a coarse liveness summary from the store.
type systemHealth struct {
	deps *Deps
}

func newSystemHealth(deps *Deps) tool.Tool { return &systemHealth{deps: deps} }

func (s *systemHealth) Name() string { return "system_health" }

func (s *systemHealth) Description() string {
	return "Reports how many executions are currently running."
}

func (s *systemHealth) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (s *systemHealth) Call(ctx context.Context, _ map[string]any) (map[string]any, error) {
	running, err := s.deps.Store.ListRunningBefore(ctx, s.deps.now())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":             "ok",
		"running_executions": len(running),
	}, nil
}

// Memory tools persist a per-thread key/value map in the checkpoint store
// under a "memory:" prefixed key, so agent memory survives executions that
// share a thread.

func memoryKey(rc *RunContext) string { return "memory:" + rc.Execution.ThreadID }

func loadMemory(ctx context.Context, deps *Deps, rc *RunContext) (map[string]any, error) {
	data, err := deps.Store.LoadThreadCheckpoint(ctx, memoryKey(rc))
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, flow.Wrap(flow.CodeUnrecoverable, "memory blob is corrupt", err)
	}
	return m, nil
}

type memoryRead struct {
	deps *Deps
	rc   *RunContext
}

func newMemoryRead(deps *Deps, rc *RunContext) tool.Tool { return &memoryRead{deps: deps, rc: rc} }

func (m *memoryRead) Name() string { return "memory_read" }

func (m *memoryRead) Description() string {
	return "Reads a remembered value by key. Omit the key to list everything remembered."
}

func (m *memoryRead) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key": map[string]any{"type": "string"},
		},
	}
}

func (m *memoryRead) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	mem, err := loadMemory(ctx, m.deps, m.rc)
	if err != nil {
		return nil, err
	}
	key, _ := input["key"].(string)
	if key == "" {
		return map[string]any{"memory": mem}, nil
	}
	value, ok := mem[key]
	return map[string]any{"key": key, "value": value, "found": ok}, nil
}

type memoryWrite struct {
	deps *Deps
	rc   *RunContext
}

func newMemoryWrite(deps *Deps, rc *RunContext) tool.Tool { return &memoryWrite{deps: deps, rc: rc} }

func (m *memoryWrite) Name() string { return "memory_write" }

func (m *memoryWrite) Description() string {
	return "Remembers a value under a key for future conversations on this thread."
}

func (m *memoryWrite) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"key":   map[string]any{"type": "string"},
			"value": map[string]any{},
		},
		"required": []any{"key"},
	}
}

func (m *memoryWrite) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	key, _ := input["key"].(string)
	if key == "" {
		return nil, flow.Errf(flow.CodeValidation, "key parameter required (string)")
	}
	mem, err := loadMemory(ctx, m.deps, m.rc)
	if err != nil {
		return nil, err
	}
	mem[key] = input["value"]
	data, err := json.Marshal(mem)
	if err != nil {
		return nil, flow.Wrap(flow.CodeUnrecoverable, "memory blob not encodable", err)
	}
	if err := m.deps.Store.SaveThreadCheckpoint(ctx, memoryKey(m.rc), data); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "stored": true}, nil
}

// schedulerTools lets an agent manage recurring jobs for its own workflow.
func schedulerTools(deps *Deps, rc *RunContext) []tool.Tool {
	return []tool.Tool{
		&scheduleCreate{deps: deps, rc: rc},
		&scheduleList{deps: deps},
		&scheduleCancel{deps: deps},
	}
}

type scheduleCreate struct {
	deps *Deps
	rc   *RunContext
}

func (s *scheduleCreate) Name() string { return "schedule_workflow" }

func (s *scheduleCreate) Description() string {
	return "Schedules this workflow to run repeatedly. Returns the schedule id."
}

func (s *scheduleCreate) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"interval_seconds": map[string]any{"type": "integer"},
			"total_repeats": map[string]any{
				"type":        "integer",
				"description": "0 means repeat forever.",
			},
			"input_text": map[string]any{"type": "string"},
		},
		"required": []any{"interval_seconds"},
	}
}

func (s *scheduleCreate) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	interval, ok := toFloat(input["interval_seconds"])
	if !ok || interval < 1 {
		return nil, flow.Errf(flow.CodeValidation, "interval_seconds must be a positive integer")
	}
	repeats, _ := toFloat(input["total_repeats"])

	now := s.deps.now()
	next := now.Add(time.Duration(interval) * time.Second)
	job := &flow.ScheduledJob{
		ID:              uuid.NewString(),
		WorkflowID:      s.rc.Execution.WorkflowID,
		TriggerNodeID:   s.rc.Execution.TriggerNodeID,
		UserProfileID:   s.rc.Execution.UserProfileID,
		IntervalSeconds: int(interval),
		TotalRepeats:    int(repeats),
		MaxRetries:      3,
		Status:          flow.ScheduleActive,
		NextRunAt:       &next,
	}
	if text, ok := input["input_text"].(string); ok && text != "" {
		job.TriggerPayload = map[string]any{"text": text}
	}
	if err := s.deps.Store.SaveScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	return map[string]any{"schedule_id": job.ID, "next_run_at": next.Format(time.RFC3339)}, nil
}

type scheduleList struct {
	deps *Deps
}

func (s *scheduleList) Name() string { return "list_schedules" }

func (s *scheduleList) Description() string { return "Lists scheduled jobs and their status." }

func (s *scheduleList) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (s *scheduleList) Call(ctx context.Context, _ map[string]any) (map[string]any, error) {
	jobs, err := s.deps.Store.ListScheduledJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		entry := map[string]any{
			"schedule_id":      j.ID,
			"workflow_id":      j.WorkflowID,
			"status":           string(j.Status),
			"interval_seconds": j.IntervalSeconds,
			"run_count":        j.RunCount,
		}
		if j.NextRunAt != nil {
			entry["next_run_at"] = j.NextRunAt.Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	return map[string]any{"schedules": out}, nil
}

type scheduleCancel struct {
	deps *Deps
}

func (s *scheduleCancel) Name() string { return "cancel_schedule" }

func (s *scheduleCancel) Description() string { return "Stops a scheduled job by id." }

func (s *scheduleCancel) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"schedule_id": map[string]any{"type": "string"},
		},
		"required": []any{"schedule_id"},
	}
}

func (s *scheduleCancel) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	id, _ := input["schedule_id"].(string)
	job, err := s.deps.Store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = flow.ScheduleStopped
	if err := s.deps.Store.SaveScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	return map[string]any{"schedule_id": id, "status": string(flow.ScheduleStopped)}, nil
}

// workflowDiscover resolves workflow metadata by slug so agents can decide
// what to spawn.
type workflowDiscover struct {
	deps *Deps
}

func newWorkflowDiscover(deps *Deps) tool.Tool { return &workflowDiscover{deps: deps} }

func (w *workflowDiscover) Name() string { return "get_workflow" }

func (w *workflowDiscover) Description() string {
	return "Looks up a workflow by slug. Omit the slug to get the default workflow."
}

func (w *workflowDiscover) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"slug": map[string]any{"type": "string"},
		},
	}
}

func (w *workflowDiscover) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	slug, _ := input["slug"].(string)
	var (
		wf  *flow.Workflow
		err error
	)
	if slug == "" {
		wf, err = w.deps.Store.DefaultWorkflow(ctx)
	} else {
		wf, err = w.deps.Store.GetWorkflowBySlug(ctx, slug)
	}
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"found": false, "slug": slug}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"found":       true,
		"workflow_id": wf.ID,
		"slug":        wf.Slug,
		"name":        wf.Name,
		"is_active":   wf.IsActive,
		"tags":        wf.Tags,
		"node_count":  len(wf.Nodes),
	}, nil
}

// workflowCreate persists a new, empty, inactive workflow shell the user can
// flesh out in the editor.
type workflowCreate struct {
	deps *Deps
}

func newWorkflowCreate(deps *Deps) tool.Tool { return &workflowCreate{deps: deps} }

func (w *workflowCreate) Name() string { return "create_workflow" }

func (w *workflowCreate) Description() string {
	return "Creates a new inactive workflow with the given slug and name."
}

func (w *workflowCreate) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"slug": map[string]any{"type": "string"},
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"slug", "name"},
	}
}

func (w *workflowCreate) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	slug, _ := input["slug"].(string)
	name, _ := input["name"].(string)
	if slug == "" || name == "" {
		return nil, flow.Errf(flow.CodeValidation, "slug and name parameters required")
	}
	if _, err := w.deps.Store.GetWorkflowBySlug(ctx, slug); err == nil {
		return nil, flow.Errf(flow.CodeValidation, "workflow slug %q already exists", slug)
	}

	now := w.deps.now()
	wf := &flow.Workflow{
		Slug:      slug,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.deps.Store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return map[string]any{"workflow_id": wf.ID, "slug": slug, "created": true}, nil
}
