package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/theuselessai/pipelit/flow"
)

// MemStore is the in-memory Store used by tests and throwaway runs.
// Workflows are treated as immutable once saved; execution rows are copied
// on the way in and out so callers cannot alias the stored value.
type MemStore struct {
	mu sync.RWMutex

	workflows  map[int64]*flow.Workflow
	executions map[string]*flow.WorkflowExecution
	states     map[string][]byte
	threads    map[string][]byte
	logs       map[string][]*flow.ExecutionLog
	nextLogID  int64
	tasks      map[string]*flow.PendingTask
	schedules  map[string]*flow.ScheduledJob
	waits      map[string]*flow.ChildWait
}

// NewMemStore builds an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  map[int64]*flow.Workflow{},
		executions: map[string]*flow.WorkflowExecution{},
		states:     map[string][]byte{},
		threads:    map[string][]byte{},
		logs:       map[string][]*flow.ExecutionLog{},
		tasks:      map[string]*flow.PendingTask{},
		schedules:  map[string]*flow.ScheduledJob{},
		waits:      map[string]*flow.ChildWait{},
	}
}

func (m *MemStore) SaveWorkflow(_ context.Context, w *flow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == 0 {
		for id := range m.workflows {
			if id >= w.ID {
				w.ID = id + 1
			}
		}
		if w.ID == 0 {
			w.ID = 1
		}
	}
	m.workflows[w.ID] = w
	return nil
}

func (m *MemStore) GetWorkflow(_ context.Context, id int64) (*flow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

func (m *MemStore) GetWorkflowBySlug(_ context.Context, slug string) (*flow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workflows {
		if w.Slug == slug && w.IsActive && w.DeletedAt == nil {
			return w, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) DefaultWorkflow(_ context.Context) (*flow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workflows {
		if w.IsDefault && w.IsActive && w.DeletedAt == nil {
			return w, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) DeleteWorkflow(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	w.DeletedAt = &now
	return nil
}

func (m *MemStore) ListTriggerNodes(_ context.Context, ct flow.ComponentType) ([]TriggerBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []TriggerBinding
	for _, w := range m.workflows {
		if !w.IsActive || w.DeletedAt != nil {
			continue
		}
		for _, n := range w.Nodes {
			if n.ComponentType == ct {
				out = append(out, TriggerBinding{Workflow: w, Node: n})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := bindingPriority(out[i]), bindingPriority(out[j])
		if pi != pj {
			return pi > pj
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out, nil
}

func bindingPriority(b TriggerBinding) int {
	if b.Node.Config == nil {
		return 0
	}
	return b.Node.Config.Priority
}

func (m *MemStore) CreateExecution(_ context.Context, e *flow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.executions[e.ExecutionID] = &cp
	return nil
}

func (m *MemStore) GetExecution(_ context.Context, executionID string) (*flow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemStore) UpdateExecution(_ context.Context, e *flow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ExecutionID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.executions[e.ExecutionID] = &cp
	return nil
}

func (m *MemStore) ListRunningBefore(_ context.Context, cutoff time.Time) ([]*flow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.WorkflowExecution
	for _, e := range m.executions {
		if e.Status.Terminal() || e.StartedAt == nil || !e.StartedAt.Before(cutoff) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) ListChildren(_ context.Context, executionID string) ([]*flow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.WorkflowExecution
	for _, e := range m.executions {
		if e.ParentExecutionID != nil && *e.ParentExecutionID == executionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) SaveState(_ context.Context, executionID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[executionID] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) LoadState(_ context.Context, executionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.states[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) SaveThreadCheckpoint(_ context.Context, threadID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[threadID] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) LoadThreadCheckpoint(_ context.Context, threadID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemStore) AppendLog(_ context.Context, l *flow.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	l.ID = m.nextLogID
	cp := *l
	m.logs[l.ExecutionID] = append(m.logs[l.ExecutionID], &cp)
	return nil
}

func (m *MemStore) ListLogs(_ context.Context, executionID string) ([]*flow.ExecutionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.logs[executionID]
	out := make([]*flow.ExecutionLog, len(logs))
	for i, l := range logs {
		cp := *l
		out[i] = &cp
	}
	return out, nil
}

func (m *MemStore) CreatePendingTask(_ context.Context, t *flow.PendingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.TaskID] = &cp
	return nil
}

func (m *MemStore) GetPendingTask(_ context.Context, taskID string) (*flow.PendingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) DeletePendingTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
	return nil
}

func (m *MemStore) DeleteExpiredPendingTasks(_ context.Context, now time.Time) ([]*flow.PendingTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*flow.PendingTask
	for id, t := range m.tasks {
		if t.ExpiresAt.Before(now) {
			expired = append(expired, t)
			delete(m.tasks, id)
		}
	}
	return expired, nil
}

func (m *MemStore) SaveScheduledJob(_ context.Context, j *flow.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.schedules[j.ID] = &cp
	return nil
}

func (m *MemStore) GetScheduledJob(_ context.Context, id string) (*flow.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemStore) ListScheduledJobs(_ context.Context, status flow.ScheduleStatus) ([]*flow.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.ScheduledJob
	for _, j := range m.schedules {
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func waitKey(executionID, nodeID string) string { return executionID + "/" + nodeID }

func (m *MemStore) SaveChildWait(_ context.Context, w *flow.ChildWait) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	cp.ChildIDs = append([]string(nil), w.ChildIDs...)
	m.waits[waitKey(w.ExecutionID, w.NodeID)] = &cp
	return nil
}

func (m *MemStore) GetChildWait(_ context.Context, executionID, nodeID string) (*flow.ChildWait, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waits[waitKey(executionID, nodeID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	cp.ChildIDs = append([]string(nil), w.ChildIDs...)
	return &cp, nil
}

func (m *MemStore) DeleteChildWait(_ context.Context, executionID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, waitKey(executionID, nodeID))
	return nil
}

func (m *MemStore) ListChildWaitsBefore(_ context.Context, cutoff time.Time) ([]*flow.ChildWait, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*flow.ChildWait
	for _, w := range m.waits {
		if w.CreatedAt.Before(cutoff) {
			cp := *w
			cp.ChildIDs = append([]string(nil), w.ChildIDs...)
			out = append(out, &cp)
		}
	}
	return out, nil
}
