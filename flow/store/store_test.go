package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theuselessai/pipelit/flow"
)

// Both backends run the same conformance suite; MySQL shares the SQL layer
// with SQLite and is exercised through it.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemStore(),
		"sqlite": sq,
	}
}

func sampleWorkflow() *flow.Workflow {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	temp := 0.2
	return &flow.Workflow{
		ID:                  1,
		Slug:                "support-bot",
		Name:                "Support Bot",
		OwnerID:             7,
		IsActive:            true,
		Tags:                []string{"support"},
		MaxExecutionSeconds: 300,
		CreatedAt:           now,
		UpdatedAt:           now,
		Nodes: []*flow.Node{
			{
				ID: 1, WorkflowID: 1, NodeID: "trig",
				ComponentType: flow.TypeTriggerTelegram,
				Config: &flow.ComponentConfig{
					ComponentType: flow.TypeTriggerTelegram,
					Priority:      5,
					TriggerConfig: map[string]any{"command": "/start"},
					UpdatedAt:     now,
				},
				UpdatedAt: now,
			},
			{
				ID: 2, WorkflowID: 1, NodeID: "agent",
				ComponentType: flow.TypeAgent,
				IsEntryPoint:  true,
				Config: &flow.ComponentConfig{
					ComponentType: flow.TypeAgent,
					SystemPrompt:  "You are helpful.",
					ModelName:     "gpt-4o-mini",
					Temperature:   &temp,
					ExtraConfig:   map[string]any{"style": "brief"},
					UpdatedAt:     now,
				},
				UpdatedAt: now,
			},
		},
		Edges: []*flow.Edge{
			{ID: 1, WorkflowID: 1, SourceNodeID: "trig", TargetNodeID: "agent",
				EdgeType: flow.EdgeDirect, EdgeLabel: flow.LabelControl},
		},
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			w := sampleWorkflow()
			require.NoError(t, s.SaveWorkflow(ctx, w))

			got, err := s.GetWorkflow(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, "support-bot", got.Slug)
			assert.Equal(t, []string{"support"}, got.Tags)
			require.Len(t, got.Nodes, 2)
			require.Len(t, got.Edges, 1)

			agent := got.Node("agent")
			require.NotNil(t, agent)
			assert.True(t, agent.IsEntryPoint)
			require.NotNil(t, agent.Config)
			assert.Equal(t, "You are helpful.", agent.Config.SystemPrompt)
			require.NotNil(t, agent.Config.Temperature)
			assert.Equal(t, 0.2, *agent.Config.Temperature)
			assert.Equal(t, "brief", agent.Config.Extra("style"))

			bySlug, err := s.GetWorkflowBySlug(ctx, "support-bot")
			require.NoError(t, err)
			assert.Equal(t, got.ID, bySlug.ID)

			_, err = s.GetWorkflow(ctx, 999)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveWorkflow(ctx, sampleWorkflow()))
			require.NoError(t, s.DeleteWorkflow(ctx, 1))

			// Deleted workflows still load by id for in-flight executions.
			got, err := s.GetWorkflow(ctx, 1)
			require.NoError(t, err)
			assert.NotNil(t, got.DeletedAt)

			// But disappear from slug lookup and trigger resolution.
			_, err = s.GetWorkflowBySlug(ctx, "support-bot")
			assert.ErrorIs(t, err, ErrNotFound)

			bindings, err := s.ListTriggerNodes(ctx, flow.TypeTriggerTelegram)
			require.NoError(t, err)
			assert.Empty(t, bindings)
		})
	}
}

func TestListTriggerNodesOrdering(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			low := &flow.Workflow{
				ID: 1, Slug: "low", Name: "low", IsActive: true,
				CreatedAt: now, UpdatedAt: now,
				Nodes: []*flow.Node{{
					ID: 1, WorkflowID: 1, NodeID: "t",
					ComponentType: flow.TypeTriggerTelegram,
					Config: &flow.ComponentConfig{
						ComponentType: flow.TypeTriggerTelegram, Priority: 1, UpdatedAt: now},
					UpdatedAt: now,
				}},
			}
			high := &flow.Workflow{
				ID: 2, Slug: "high", Name: "high", IsActive: true,
				CreatedAt: now, UpdatedAt: now,
				Nodes: []*flow.Node{{
					ID: 10, WorkflowID: 2, NodeID: "t",
					ComponentType: flow.TypeTriggerTelegram,
					Config: &flow.ComponentConfig{
						ComponentType: flow.TypeTriggerTelegram, Priority: 9, UpdatedAt: now},
					UpdatedAt: now,
				}},
			}
			require.NoError(t, s.SaveWorkflow(ctx, low))
			require.NoError(t, s.SaveWorkflow(ctx, high))

			bindings, err := s.ListTriggerNodes(ctx, flow.TypeTriggerTelegram)
			require.NoError(t, err)
			require.Len(t, bindings, 2)
			assert.Equal(t, "high", bindings[0].Workflow.Slug, "higher priority first")
			assert.Equal(t, "low", bindings[1].Workflow.Slug)
		})
	}
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			e := &flow.WorkflowExecution{
				ExecutionID:    "exec-1",
				WorkflowID:     1,
				TriggerNodeID:  "trig",
				ThreadID:       "7:chat:1",
				Status:         flow.ExecPending,
				TriggerPayload: map[string]any{"text": "hi"},
				MaxRetries:     3,
				CreatedAt:      created,
			}
			require.NoError(t, s.CreateExecution(ctx, e))

			got, err := s.GetExecution(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, flow.ExecPending, got.Status)
			assert.Equal(t, "hi", got.TriggerPayload["text"])
			assert.Nil(t, got.StartedAt)

			started := created.Add(time.Second)
			got.Status = flow.ExecRunning
			got.StartedAt = &started
			got.TotalInputTokens = 100
			got.TotalOutputTokens = 40
			got.TotalTokens = 140
			got.LLMCalls = 2
			require.NoError(t, s.UpdateExecution(ctx, got))

			back, err := s.GetExecution(ctx, "exec-1")
			require.NoError(t, err)
			assert.Equal(t, flow.ExecRunning, back.Status)
			require.NotNil(t, back.StartedAt)
			assert.Equal(t, int64(140), back.TotalTokens)

			// Zombie listing: running and started before the cutoff.
			zombies, err := s.ListRunningBefore(ctx, started.Add(time.Hour))
			require.NoError(t, err)
			assert.Len(t, zombies, 1)
			zombies, err = s.ListRunningBefore(ctx, started.Add(-time.Hour))
			require.NoError(t, err)
			assert.Empty(t, zombies)

			// Children.
			parentID := "exec-1"
			child := &flow.WorkflowExecution{
				ExecutionID: "exec-2", WorkflowID: 1, Status: flow.ExecPending,
				ParentExecutionID: &parentID, ParentNodeID: "agent",
				CreatedAt: created,
			}
			require.NoError(t, s.CreateExecution(ctx, child))
			kids, err := s.ListChildren(ctx, "exec-1")
			require.NoError(t, err)
			require.Len(t, kids, 1)
			assert.Equal(t, "exec-2", kids[0].ExecutionID)
		})
	}
}

func TestStateAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadState(ctx, "exec-1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveState(ctx, "exec-1", []byte(`{"v":1}`)))
			require.NoError(t, s.SaveState(ctx, "exec-1", []byte(`{"v":2}`)))

			data, err := s.LoadState(ctx, "exec-1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(data), "latest snapshot wins")

			require.NoError(t, s.SaveThreadCheckpoint(ctx, "7:chat:1", []byte(`{"m":[]}`)))
			cp, err := s.LoadThreadCheckpoint(ctx, "7:chat:1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"m":[]}`, string(cp))
		})
	}
}

func TestLogs(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			first := &flow.ExecutionLog{
				ExecutionID: "exec-1", NodeID: "a", Status: flow.LogSuccess,
				Output: map[string]any{"output": "ok"}, DurationMS: 12,
				Timestamp: time.Now().UTC(),
			}
			second := &flow.ExecutionLog{
				ExecutionID: "exec-1", NodeID: "b", Status: flow.LogFailed,
				Error: "boom", ErrorCode: flow.CodeProviderError, RetryCount: 1,
				Timestamp: time.Now().UTC(),
			}
			require.NoError(t, s.AppendLog(ctx, first))
			require.NoError(t, s.AppendLog(ctx, second))
			assert.NotZero(t, first.ID)
			assert.Greater(t, second.ID, first.ID)

			logs, err := s.ListLogs(ctx, "exec-1")
			require.NoError(t, err)
			require.Len(t, logs, 2)
			assert.Equal(t, "a", logs[0].NodeID)
			assert.Equal(t, "ok", logs[0].Output["output"])
			assert.Equal(t, flow.CodeProviderError, logs[1].ErrorCode)
		})
	}
}

func TestPendingTasks(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			fresh := &flow.PendingTask{
				TaskID: "a1b2c3d4", ExecutionID: "exec-1", NodeID: "confirm",
				Prompt: "Proceed?", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
			}
			stale := &flow.PendingTask{
				TaskID: "deadbeef", ExecutionID: "exec-2", NodeID: "confirm",
				ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour),
			}
			require.NoError(t, s.CreatePendingTask(ctx, fresh))
			require.NoError(t, s.CreatePendingTask(ctx, stale))

			got, err := s.GetPendingTask(ctx, "a1b2c3d4")
			require.NoError(t, err)
			assert.Equal(t, "Proceed?", got.Prompt)

			expired, err := s.DeleteExpiredPendingTasks(ctx, now)
			require.NoError(t, err)
			require.Len(t, expired, 1)
			assert.Equal(t, "deadbeef", expired[0].TaskID)
			assert.Equal(t, "exec-2", expired[0].ExecutionID)
			_, err = s.GetPendingTask(ctx, "deadbeef")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.DeletePendingTask(ctx, "a1b2c3d4"))
			_, err = s.GetPendingTask(ctx, "a1b2c3d4")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestScheduledJobs(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			j := &flow.ScheduledJob{
				ID: "job-1", WorkflowID: 1, TriggerNodeID: "cron",
				IntervalSeconds: 60, TotalRepeats: 10, MaxRetries: 3,
				TriggerPayload: map[string]any{"source": "cron"},
				Status:         flow.ScheduleActive,
			}
			require.NoError(t, s.SaveScheduledJob(ctx, j))

			j.CurrentRepeat = 1
			j.RunCount = 1
			next := time.Now().UTC().Add(time.Minute)
			j.NextRunAt = &next
			require.NoError(t, s.SaveScheduledJob(ctx, j))

			got, err := s.GetScheduledJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, 1, got.CurrentRepeat)
			require.NotNil(t, got.NextRunAt)
			assert.Equal(t, "cron", got.TriggerPayload["source"])

			active, err := s.ListScheduledJobs(ctx, flow.ScheduleActive)
			require.NoError(t, err)
			assert.Len(t, active, 1)
			dead, err := s.ListScheduledJobs(ctx, flow.ScheduleDead)
			require.NoError(t, err)
			assert.Empty(t, dead)
		})
	}
}

func TestChildWaits(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			w := &flow.ChildWait{
				ExecutionID: "exec-1", NodeID: "agent",
				ChildIDs:  []string{"child-a", "child-b"},
				CreatedAt: now,
			}
			require.NoError(t, s.SaveChildWait(ctx, w))

			got, err := s.GetChildWait(ctx, "exec-1", "agent")
			require.NoError(t, err)
			assert.Equal(t, []string{"child-a", "child-b"}, got.ChildIDs,
				"submission order must survive the store")

			stuck, err := s.ListChildWaitsBefore(ctx, now.Add(time.Minute))
			require.NoError(t, err)
			assert.Len(t, stuck, 1)
			stuck, err = s.ListChildWaitsBefore(ctx, now.Add(-time.Minute))
			require.NoError(t, err)
			assert.Empty(t, stuck)

			require.NoError(t, s.DeleteChildWait(ctx, "exec-1", "agent"))
			_, err = s.GetChildWait(ctx, "exec-1", "agent")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
