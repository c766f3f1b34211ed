// SPDX-License-Identifier: GPL-2.0-or-later

package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T, workers int) (context.Context, *Pool) {
	ctx := dlog.NewTestContext(t, false)
	ctx, cancel := context.WithCancel(ctx)
	p := NewPool(workers)
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Wait()
	})
	return ctx, p
}

func TestTaskRunsOnce(t *testing.T) {
	_, p := testPool(t, 2)
	var runs atomic.Int64
	task := p.NewTask("count", func(context.Context) {
		runs.Add(1)
	})
	task.Run()
	p.Quiesce()
	assert.Equal(t, int64(1), runs.Load())

	task.Run()
	p.Quiesce()
	assert.Equal(t, int64(2), runs.Load())
}

func TestTaskRunWhileQueuedIsNoop(t *testing.T) {
	_, p := testPool(t, 1)
	gate := make(chan struct{})
	var runs atomic.Int64

	// Park the single worker so the second task stays queued.
	blocker := p.NewTask("blocker", func(context.Context) { <-gate })
	task := p.NewTask("count", func(context.Context) { runs.Add(1) })
	blocker.Run()
	task.Run()
	task.Run()
	task.Run()
	close(gate)
	p.Quiesce()
	assert.Equal(t, int64(1), runs.Load())
}

func TestTaskRunWhileRunningReruns(t *testing.T) {
	_, p := testPool(t, 1)
	started := make(chan struct{})
	gate := make(chan struct{})
	var runs atomic.Int64
	var task *Task
	task = p.NewTask("rerun", func(context.Context) {
		if runs.Add(1) == 1 {
			close(started)
			<-gate
		}
	})
	task.Run()
	<-started
	// The task is mid-execution: this must schedule exactly one
	// more run, not a concurrent one.
	task.Run()
	task.Run()
	close(gate)
	p.Quiesce()
	assert.Equal(t, int64(2), runs.Load())
}

func TestTaskCurrent(t *testing.T) {
	_, p := testPool(t, 1)
	var got *Task
	var task *Task
	task = p.NewTask("self", func(ctx context.Context) {
		got = Current(ctx)
	})
	task.Run()
	p.Quiesce()
	assert.Same(t, task, got)
	assert.Nil(t, Current(context.Background()))
}

func TestTaskAppendSelfReschedules(t *testing.T) {
	_, p := testPool(t, 1)
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var worker *Task
	steps := 0
	worker = p.NewTask("worker", func(ctx context.Context) {
		steps++
		record("worker")
		if steps < 3 {
			// Self-reschedule: queued tasks get a turn before
			// our next step.
			Current(ctx).Append(Current(ctx))
		}
	})
	other := p.NewTask("other", func(context.Context) { record("other") })
	worker.Run()
	other.Run()
	p.Quiesce()

	require.Len(t, order, 4)
	assert.Equal(t, "worker", order[0])
	assert.Equal(t, "other", order[1], "Append must not starve queued tasks")
}

func TestTryMutexContention(t *testing.T) {
	_, p := testPool(t, 2)
	var m TryMutex
	gate := make(chan struct{})
	failed := make(chan struct{})
	var failedOnce sync.Once

	holder := p.NewTask("holder", func(ctx context.Context) {
		require.True(t, m.TryLock(Current(ctx)))
		<-gate
		m.Unlock()
	})

	var attempts, acquired atomic.Int64
	contender := p.NewTask("contender", func(ctx context.Context) {
		attempts.Add(1)
		if !m.TryLock(Current(ctx)) {
			// No spinning: the unlock will re-enqueue us.
			failedOnce.Do(func() { close(failed) })
			return
		}
		acquired.Add(1)
		m.Unlock()
	})

	holder.Run()
	contender.Run()
	// Let the contender fail its TryLock while the holder is
	// parked, then release.
	<-failed
	close(gate)
	p.Quiesce()

	assert.Equal(t, int64(1), acquired.Load())
	assert.Equal(t, int64(2), attempts.Load(), "exactly one retry, triggered by the unlock")
}

func TestTryMutexReentrant(t *testing.T) {
	_, p := testPool(t, 1)
	var m TryMutex
	ran := false
	task := p.NewTask("reentrant", func(ctx context.Context) {
		require.True(t, m.TryLock(Current(ctx)))
		require.True(t, m.TryLock(Current(ctx)), "the owner may re-acquire")
		m.Unlock()
		ran = true
	})
	task.Run()
	p.Quiesce()
	assert.True(t, ran)
}

func TestTryMutexUnlockPanics(t *testing.T) {
	var m TryMutex
	assert.Panics(t, func() { m.Unlock() })
}
