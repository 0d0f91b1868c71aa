package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueues(t *testing.T) map[string]Queue {
	t.Helper()
	sq, err := NewSQLiteQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"sqlite": sq,
	}
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			first := NewJob(QueueWorkflows, FuncExecuteNode, "exec-1", "a", 0)
			second := NewJob(QueueWorkflows, FuncExecuteNode, "exec-1", "b", 0)
			require.NoError(t, q.Enqueue(ctx, first))
			require.NoError(t, q.Enqueue(ctx, second))

			got, err := q.Dequeue(ctx, QueueWorkflows)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "a", got.Arg(1))

			got, err = q.Dequeue(ctx, QueueWorkflows)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "b", got.Arg(1))
			assert.Equal(t, "exec-1", got.Arg(0))
			assert.Equal(t, 0, got.ArgInt(2))

			got, err = q.Dequeue(ctx, QueueWorkflows)
			require.NoError(t, err)
			assert.Nil(t, got, "empty queue yields nil")
		})
	}
}

func TestQueueDelayedJobsStayHidden(t *testing.T) {
	ctx := context.Background()
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			delayed := NewJob(QueueWorkflows, FuncExecuteWorkflow, "exec-1").Delay(time.Hour)
			require.NoError(t, q.Enqueue(ctx, delayed))

			got, err := q.Dequeue(ctx, QueueWorkflows)
			require.NoError(t, err)
			assert.Nil(t, got, "delayed job must not surface early")

			n, err := q.Pending(ctx, QueueWorkflows)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestQueueIsolationAcrossNames(t *testing.T) {
	ctx := context.Background()
	for name, q := range testQueues(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Enqueue(ctx, NewJob(QueueScheduled, FuncExecuteScheduled, "job-1", 0, 0)))

			got, err := q.Dequeue(ctx, QueueWorkflows)
			require.NoError(t, err)
			assert.Nil(t, got)

			got, err = q.Dequeue(ctx, QueueWorkflows, QueueScheduled)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, FuncExecuteScheduled, got.Function)
		})
	}
}

func TestMemoryQueueDelayedBecomesReady(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	job := NewJob(QueueWorkflows, FuncExecuteWorkflow, "exec-1")
	job.RunAt = now.Add(30 * time.Second)
	require.NoError(t, q.Enqueue(ctx, job))

	got, err := q.Dequeue(ctx, QueueWorkflows)
	require.NoError(t, err)
	assert.Nil(t, got)

	now = now.Add(30 * time.Second)
	got, err = q.Dequeue(ctx, QueueWorkflows)
	require.NoError(t, err)
	require.NotNil(t, got, "job must surface at its due second")
}

func TestLockers(t *testing.T) {
	ctx := context.Background()

	sq, err := NewSQLiteQueue(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	lockers := map[string]Locker{
		"memory": NewMemoryLocker(),
		"sqlite": sq,
	}

	for name, l := range lockers {
		t.Run(name, func(t *testing.T) {
			key := ExecutionLeaseKey("exec-" + name)

			ok, err := l.Acquire(ctx, key, "w1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			// Second holder is refused while the lease lives.
			ok, err = l.Acquire(ctx, key, "w2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			// Re-acquire by the holder succeeds (refresh semantics).
			ok, err = l.Acquire(ctx, key, "w1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Refresh(ctx, key, "w1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Refresh(ctx, key, "w2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "refresh by a non-holder must fail")

			require.NoError(t, l.Release(ctx, key, "w1"))

			ok, err = l.Acquire(ctx, key, "w2", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "released lease is free")
		})
	}
}

func TestMemoryLockerExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.Acquire(ctx, "k", "w1", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = l.Acquire(ctx, "k", "w2", time.Minute)
	assert.True(t, ok, "expired lease is up for grabs")

	ok, _ = l.Refresh(ctx, "k", "w1", time.Minute)
	assert.False(t, ok)
}

func TestPoolDrain(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	pool := NewPool(q, 2, QueueWorkflows)

	var order []string
	pool.Register(FuncExecuteNode, func(ctx context.Context, job *Job) error {
		order = append(order, job.Arg(1))
		// Node jobs enqueue successors; Drain must pick those up too.
		if job.Arg(1) == "a" {
			return q.Enqueue(ctx, NewJob(QueueWorkflows, FuncExecuteNode, "exec-1", "b"))
		}
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, NewJob(QueueWorkflows, FuncExecuteNode, "exec-1", "a")))
	require.NoError(t, pool.Drain(ctx))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestPoolUnknownFunction(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	pool := NewPool(q, 1, QueueWorkflows)

	require.NoError(t, q.Enqueue(ctx, NewJob(QueueWorkflows, "mystery_job")))
	ran, err := pool.DrainOne(ctx)
	assert.True(t, ran)
	assert.Error(t, err)
}
