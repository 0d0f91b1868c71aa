package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Handler processes one claimed job. A returned error is logged; retry
// policy lives with the producer, which re-enqueues explicitly.
type Handler func(ctx context.Context, job *Job) error

// Pool drains one or more named queues with a fixed set of workers. Each
// worker claims one job at a time and runs it to completion; there is no
// in-flight preemption.
//
// Usage:
//
//	pool := queue.NewPool(q, 4, queue.QueueWorkflows, queue.QueueScheduled)
//	pool.Register(queue.FuncExecuteNode, orch.HandleExecuteNode)
//	pool.Run(ctx)
type Pool struct {
	queue   Queue
	workers int
	queues  []string

	// PollInterval is how long an idle worker sleeps between claims.
	// Delayed jobs surface within one interval of their due second.
	PollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewPool builds a pool of n workers over the named queues.
func NewPool(q Queue, n int, queues ...string) *Pool {
	if n <= 0 {
		n = 1
	}
	if len(queues) == 0 {
		queues = []string{QueueWorkflows}
	}
	return &Pool{
		queue:        q,
		workers:      n,
		queues:       queues,
		PollInterval: 250 * time.Millisecond,
		handlers:     map[string]Handler{},
	}
}

// Register binds a handler to a job function name. Later registrations
// replace earlier ones.
func (p *Pool) Register(function string, h Handler) {
	p.mu.Lock()
	p.handlers[function] = h
	p.mu.Unlock()
}

// Run blocks draining the queues until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// DrainOne claims and runs a single ready job, returning false when no job
// was ready. Tests drive the pool synchronously with this.
func (p *Pool) DrainOne(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx, p.queues...)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, p.dispatch(ctx, job)
}

// Drain runs ready jobs until the queues are empty, including jobs enqueued
// by the jobs themselves. Delayed jobs stay queued.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		ran, err := p.DrainOne(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.queues...)
		if err != nil {
			log.Printf("queue: worker %d dequeue failed: %v", worker, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.PollInterval):
			}
			continue
		}

		if err := p.dispatch(ctx, job); err != nil {
			log.Printf("queue: worker %d: %s(%v) failed: %v", worker, job.Function, job.Args, err)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, job *Job) error {
	p.mu.RLock()
	h := p.handlers[job.Function]
	p.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("no handler registered for %q", job.Function)
	}
	return h(ctx, job)
}
