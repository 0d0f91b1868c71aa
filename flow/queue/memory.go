package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node deployments.
// Jobs order by RunAt, then enqueue sequence, so immediate jobs stay FIFO
// and delayed jobs surface exactly when due.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]*jobHeap
	seq    int64
	now    func() time.Time
}

// NewMemoryQueue builds an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues: map[string]*jobHeap{},
		now:    time.Now,
	}
}

// Enqueue adds the job to its queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.queues[job.Queue]
	if h == nil {
		h = &jobHeap{}
		q.queues[job.Queue] = h
	}
	q.seq++
	heap.Push(h, heapItem{job: job, seq: q.seq})
	return nil
}

// Dequeue pops the oldest ready job across the named queues, or (nil, nil).
func (q *MemoryQueue) Dequeue(_ context.Context, queues ...string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	var best *jobHeap
	for _, name := range queues {
		h := q.queues[name]
		if h == nil || h.Len() == 0 {
			continue
		}
		top := (*h)[0]
		if top.job.RunAt.After(now) {
			continue
		}
		if best == nil || top.less((*best)[0]) {
			best = h
		}
	}
	if best == nil {
		return nil, nil
	}
	item := heap.Pop(best).(heapItem)
	return item.job, nil
}

// Pending counts unclaimed jobs in one queue.
func (q *MemoryQueue) Pending(_ context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := q.queues[queueName]
	if h == nil {
		return 0, nil
	}
	return h.Len(), nil
}

type heapItem struct {
	job *Job
	seq int64
}

func (a heapItem) less(b heapItem) bool {
	if !a.job.RunAt.Equal(b.job.RunAt) {
		return a.job.RunAt.Before(b.job.RunAt)
	}
	return a.seq < b.seq
}

type jobHeap []heapItem

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryLocker builds an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: map[string]lease{},
		now:    time.Now,
	}
}

// Acquire takes the lease when free, expired, or already held by holder.
func (l *MemoryLocker) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if ok && cur.expiresAt.After(now) && cur.holder != holder {
		return false, nil
	}
	l.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Refresh extends a lease still held by holder.
func (l *MemoryLocker) Refresh(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[key]
	if !ok || cur.holder != holder || !cur.expiresAt.After(now) {
		return false, nil
	}
	l.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lease when held by holder; releasing a lost lease is a
// no-op.
func (l *MemoryLocker) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[key]; ok && cur.holder == holder {
		delete(l.leases, key)
	}
	return nil
}
