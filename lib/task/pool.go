// SPDX-License-Identifier: GPL-2.0-or-later

package task

import (
	"context"
	"sync"
)

// Pool runs tasks on a fixed set of worker goroutines.
type Pool struct {
	workers int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   taskQueue
	running int
	closed  bool

	wg sync.WaitGroup
}

// NewPool creates a pool with the given number of workers.  The pool
// does not execute anything until Start is called.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines.  When ctx is canceled the
// workers drain the queue and exit; tasks enqueued after cancellation
// are dropped.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.closed = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
}

// Wait blocks until all workers have exited.  Only meaningful after
// the Start context has been canceled.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Quiesce blocks until the queue is empty and no task is executing.
// It does not prevent new tasks from being enqueued afterward.
func (p *Pool) Quiesce() {
	p.mu.Lock()
	for !(p.queue.isEmpty() && p.running == 0) {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *Pool) enqueue(t *Task) {
	p.mu.Lock()
	if p.closed {
		// Shutdown: the task silently goes away.  The caller
		// relies on persisted crawl state, not task
		// completion, to not lose work.
		t.mu.Lock()
		t.state = taskIdle
		t.mu.Unlock()
		p.mu.Unlock()
		return
	}
	p.queue.push(t)
	p.cond.Signal()
	p.mu.Unlock()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.isEmpty() && !p.closed {
			p.cond.Wait()
		}
		t, ok := p.queue.pop()
		if !ok {
			// closed and drained
			p.mu.Unlock()
			return
		}
		p.running++
		p.mu.Unlock()

		t.exec(ctx)

		p.mu.Lock()
		p.running--
		if p.queue.isEmpty() && p.running == 0 {
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	}
}
