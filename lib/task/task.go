// SPDX-License-Identifier: GPL-2.0-or-later

// Package task implements the cooperative task pool that executes
// crawl work units.
//
// A Task is a named unit of work that may be enqueued on a Pool any
// number of times, but runs on at most one worker at a time.  A Task
// that is Run() while it is executing is re-enqueued when it
// finishes, rather than running concurrently with itself.
package task

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"
)

type taskState int

const (
	taskIdle taskState = iota
	taskQueued
	taskRunning
)

// Task is a handle on a unit of work.  The zero value is not useful;
// use Pool.NewTask.
type Task struct {
	pool  *Pool
	title string
	fn    func(context.Context)

	mu    sync.Mutex
	state taskState
	rerun bool
	after []*Task
}

// NewTask creates a task that will run fn on the pool's workers each
// time it is enqueued with Run.
func (p *Pool) NewTask(title string, fn func(context.Context)) *Task {
	return &Task{
		pool:  p,
		title: title,
		fn:    fn,
	}
}

// Title returns the name the task was created with.
func (t *Task) Title() string { return t.title }

// Run enqueues the task.  If the task is already queued this is a
// no-op; if the task is currently executing it will be enqueued again
// once the current execution finishes.
func (t *Task) Run() {
	t.mu.Lock()
	switch t.state {
	case taskIdle:
		t.state = taskQueued
		t.mu.Unlock()
		t.pool.enqueue(t)
	case taskQueued:
		t.mu.Unlock()
	case taskRunning:
		t.rerun = true
		t.mu.Unlock()
	}
}

// Append arranges for other to be enqueued when t finishes its
// current execution.  If t is idle, other is enqueued immediately.
// Appending a task to itself is how a work unit self-reschedules
// without starving other queued tasks.
func (t *Task) Append(other *Task) {
	t.mu.Lock()
	if t.state == taskIdle {
		t.mu.Unlock()
		other.Run()
		return
	}
	t.after = append(t.after, other)
	t.mu.Unlock()
}

func (t *Task) exec(ctx context.Context) {
	t.mu.Lock()
	t.state = taskRunning
	t.mu.Unlock()

	ctx = dlog.WithField(ctx, "task", t.title)
	ctx = context.WithValue(ctx, currentTaskKey{}, t)
	t.fn(ctx)

	t.mu.Lock()
	t.state = taskIdle
	rerun := t.rerun
	t.rerun = false
	after := t.after
	t.after = nil
	t.mu.Unlock()

	for _, o := range after {
		o.Run()
	}
	if rerun {
		t.Run()
	}
}

type currentTaskKey struct{}

// Current returns the Task executing on this worker, or nil if ctx
// does not belong to a task execution.
func Current(ctx context.Context) *Task {
	t, _ := ctx.Value(currentTaskKey{}).(*Task)
	return t
}
