// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"sort"
	"strings"
	"sync"

	"github.com/iav/bees/lib/textui"
)

// Event counters, process-wide.  Counter names are stable: they are
// part of the daemon's observable surface (the stats log) and some
// predate this implementation.
var counts struct {
	mu sync.Mutex
	m  map[string]uint64
}

func countAdd(name string, n uint64) {
	counts.mu.Lock()
	if counts.m == nil {
		counts.m = make(map[string]uint64)
	}
	counts.m[name] += n
	counts.mu.Unlock()
}

// CountGet returns the current value of a counter.
func CountGet(name string) uint64 {
	counts.mu.Lock()
	defer counts.mu.Unlock()
	return counts.m[name]
}

// CountSnapshot returns a copy of all counters.
func CountSnapshot() map[string]uint64 {
	counts.mu.Lock()
	defer counts.mu.Unlock()
	out := make(map[string]uint64, len(counts.m))
	for k, v := range counts.m {
		out[k] = v
	}
	return out
}

// CountString renders all counters, one per line, sorted by name.
func CountString() string {
	snap := CountSnapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		textui.Fprintf(&sb, "%s=%v\n", name, snap[name])
	}
	return sb.String()
}
