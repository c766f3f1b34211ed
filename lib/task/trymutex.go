// SPDX-License-Identifier: GPL-2.0-or-later

package task

import (
	"sync"
)

// TryMutex is a non-blocking mutex whose lock operation is keyed by a
// Task handle.  A task that fails to acquire the lock is queued on
// the mutex and re-enqueued on its pool when the lock is released, so
// a pool worker is never parked waiting for it.
//
// TryMutex is a leaf lock: a holder must not acquire any other lock
// while holding it.
type TryMutex struct {
	mu      sync.Mutex
	owner   *Task
	waiters []*Task
}

// TryLock attempts to acquire the mutex for t.  On contention it
// returns false and queues t; t.Run() will be called when the lock is
// released.  Acquiring a mutex already held by t succeeds.
func (m *TryMutex) TryLock(t *Task) bool {
	if t == nil {
		panic("task.TryMutex: TryLock with nil task")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == nil || m.owner == t {
		m.owner = t
		return true
	}
	for _, w := range m.waiters {
		if w == t {
			return false
		}
	}
	m.waiters = append(m.waiters, t)
	return false
}

// Unlock releases the mutex and re-enqueues the oldest waiting task,
// if any.
func (m *TryMutex) Unlock() {
	m.mu.Lock()
	if m.owner == nil {
		m.mu.Unlock()
		panic("task.TryMutex: Unlock of unlocked mutex")
	}
	m.owner = nil
	var next *Task
	if len(m.waiters) > 0 {
		next = m.waiters[0]
		m.waiters = m.waiters[1:]
	}
	m.mu.Unlock()
	if next != nil {
		next.Run()
	}
}
