// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"sync"

	"github.com/google/btree"
)

// ProgressTracker guards the persisted position of a crawler against
// work still in flight.  Hold marks a state as in progress; the
// position reported by Begin never advances past the minimum held
// state, so a crash between picking up work and finishing it can only
// repeat work, never skip it.
type ProgressTracker[T interface{ Compare(T) int }] struct {
	mu   sync.Mutex
	seq  uint64
	end  T
	held *btree.BTreeG[progressEntry[T]]
}

type progressEntry[T interface{ Compare(T) int }] struct {
	val T
	seq uint64 // tiebreak: the held set is a multiset
}

// ProgressHolder pins one in-flight state.  Release it exactly once.
type ProgressHolder[T interface{ Compare(T) int }] struct {
	tracker *ProgressTracker[T]
	entry   progressEntry[T]

	mu       sync.Mutex
	released bool
}

// NewProgressTracker creates a tracker whose initial position is
// start.
func NewProgressTracker[T interface{ Compare(T) int }](start T) *ProgressTracker[T] {
	return &ProgressTracker[T]{
		end: start,
		held: btree.NewG[progressEntry[T]](2, func(a, b progressEntry[T]) bool {
			if c := a.val.Compare(b.val); c != 0 {
				return c < 0
			}
			return a.seq < b.seq
		}),
	}
}

// Hold marks v as in progress and advances End to at least v.
func (p *ProgressTracker[T]) Hold(v T) *ProgressHolder[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	entry := progressEntry[T]{val: v, seq: p.seq}
	p.held.ReplaceOrInsert(entry)
	if v.Compare(p.end) > 0 {
		p.end = v
	}
	return &ProgressHolder[T]{tracker: p, entry: entry}
}

// Begin returns the position safe to persist: the minimum held state,
// or End if nothing is held.
func (p *ProgressTracker[T]) Begin() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.held.Min(); ok {
		return entry.val
	}
	return p.end
}

// End returns the most advanced state ever held.
func (p *ProgressTracker[T]) End() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end
}

// Release drops the hold.  Releasing twice is a no-op.
func (h *ProgressHolder[T]) Release() {
	h.mu.Lock()
	released := h.released
	h.released = true
	h.mu.Unlock()
	if released {
		return
	}
	p := h.tracker
	p.mu.Lock()
	p.held.Delete(h.entry)
	p.mu.Unlock()
}

// Get returns the held state.
func (h *ProgressHolder[T]) Get() T {
	return h.entry.val
}
