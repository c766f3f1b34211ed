// SPDX-License-Identifier: GPL-2.0-or-later

package task

import (
	"git.lukeshu.com/go/typedsync"
)

type queueEntry struct {
	older, newer *queueEntry
	task         *Task
}

// taskQueue is a FIFO of Tasks.  It maintains a typedsync.Pool of
// entries, so churning through the queue does not churn out garbage.
type taskQueue struct {
	oldest, newest *queueEntry
	pool           typedsync.Pool[*queueEntry]
}

func (q *taskQueue) isEmpty() bool {
	return q.oldest == nil
}

// push appends a task to the "newest" end of the queue.
func (q *taskQueue) push(t *Task) {
	entry, ok := q.pool.Get()
	if !ok {
		entry = new(queueEntry)
	}
	*entry = queueEntry{
		older: q.newest,
		task:  t,
	}
	q.newest = entry
	if entry.older == nil {
		q.oldest = entry
	} else {
		entry.older.newer = entry
	}
}

// pop removes and returns the task at the "oldest" end of the queue.
func (q *taskQueue) pop() (*Task, bool) {
	entry := q.oldest
	if entry == nil {
		return nil, false
	}
	t := entry.task
	q.oldest = entry.newer
	if entry.newer == nil {
		q.newest = nil
	} else {
		entry.newer.older = nil
	}
	*entry = queueEntry{} // no memory leaks
	q.pool.Put(entry)
	return t, true
}
