// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"
	"github.com/google/btree"
)

// Mode selects the ordering policy the scheduler applies across
// subvolume crawlers.
type Mode int

const (
	// ModeLockstep scans the same inode/offset tuple in each
	// subvol.  Good for caching and space saving, bad for
	// filesystems with rotating snapshots.
	ModeLockstep Mode = iota
	// ModeIndependent scans each subvol in round-robin with no
	// synchronization.  Good for continuous forward progress
	// while avoiding lock contention.
	ModeIndependent
	// ModeSequential scans each subvol completely, in numerical
	// order, before moving on to the next.  An experimental mode
	// that requires large amounts of temporary space and has the
	// lowest hit rate.
	ModeSequential
	// ModeRecent scans the most recently completely scanned
	// subvols first.  Keeps recently added data from accumulating
	// in small subvols while large subvols are still undergoing
	// their first scan.
	ModeRecent
)

func (m Mode) String() string {
	switch m {
	case ModeLockstep:
		return "lockstep"
	case ModeIndependent:
		return "independent"
	case ModeSequential:
		return "sequential"
	case ModeRecent:
		return "recent"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses a SCAN_MODE setting.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "lockstep":
		return ModeLockstep, nil
	case "independent":
		return ModeIndependent, nil
	case "sequential":
		return ModeSequential, nil
	case "recent":
		return ModeRecent, nil
	default:
		return 0, fmt.Errorf("invalid scan mode: %q", s)
	}
}

// scanMode is an ordering policy over the set of crawlers.  Each
// policy keeps a private view derived from the crawl map, rebuilt by
// nextTransid on every transid change.  scan dispatches one batch
// from the crawler at the head of the view and returns false when the
// view is exhausted.
type scanMode interface {
	scan(ctx context.Context) bool
	nextTransid(ctx context.Context, crawlMap map[uint64]*Crawl)
	name() string
}

type scanModeBase struct {
	roots *Roots
}

func (b scanModeBase) crawlBatch(ctx context.Context, crawl *Crawl) bool {
	return b.roots.crawlBatch(ctx, crawl)
}

// lockstep

type lockstepKey struct {
	ino    uint64
	offset uint64
	root   uint64
}

type lockstepEntry struct {
	key   lockstepKey
	crawl *Crawl
}

func lockstepLess(a, b lockstepEntry) bool {
	if a.key.ino != b.key.ino {
		return a.key.ino < b.key.ino
	}
	if a.key.offset != b.key.offset {
		return a.key.offset < b.key.offset
	}
	return a.key.root < b.key.root
}

type scanModeLockstep struct {
	scanModeBase
	mu     sync.Mutex
	sorted *btree.BTreeG[lockstepEntry]
}

func (s *scanModeLockstep) name() string { return "LOCKSTEP" }

func (s *scanModeLockstep) scan(ctx context.Context) bool {
	s.mu.Lock()
	sorted := s.sorted
	s.mu.Unlock()
	if sorted == nil {
		dlog.Infof(ctx, "called Lockstep scan without a sorted map")
		return false
	}
	for {
		entry, ok := sorted.DeleteMin()
		if !ok {
			return false
		}
		if s.crawlBatch(ctx, entry.crawl) {
			if fr, ok := entry.crawl.PeekFront(ctx); ok {
				refreshed := lockstepEntry{
					key:   lockstepKey{ino: fr.File.Ino, offset: fr.Begin, root: fr.File.Root},
					crawl: entry.crawl,
				}
				if _, dup := sorted.ReplaceOrInsert(refreshed); dup {
					panic(fmt.Errorf("bees: lockstep key %+v inserted twice", refreshed.key))
				}
			}
			return true
		}
	}
}

func (s *scanModeLockstep) nextTransid(ctx context.Context, crawlMap map[uint64]*Crawl) {
	sorted := btree.NewG(2, lockstepLess)
	for _, crawl := range crawlMap {
		if fr, ok := crawl.PeekFront(ctx); ok {
			entry := lockstepEntry{
				key:   lockstepKey{ino: fr.File.Ino, offset: fr.Begin, root: fr.File.Root},
				crawl: crawl,
			}
			if _, dup := sorted.ReplaceOrInsert(entry); dup {
				panic(fmt.Errorf("bees: lockstep key %+v inserted twice", entry.key))
			}
		}
	}
	s.mu.Lock()
	s.sorted = sorted
	s.mu.Unlock()
}

// independent

type scanModeIndependent struct {
	scanModeBase
	mu      sync.Mutex
	subvols *[]*Crawl
}

func (s *scanModeIndependent) name() string { return "INDEPENDENT" }

func (s *scanModeIndependent) scan(ctx context.Context) bool {
	s.mu.Lock()
	subvols := s.subvols
	s.mu.Unlock()
	if subvols == nil {
		dlog.Infof(ctx, "called Independent scan without a subvol list")
		return false
	}
	for len(*subvols) > 0 {
		crawl := (*subvols)[0]
		*subvols = (*subvols)[1:]
		if s.crawlBatch(ctx, crawl) {
			*subvols = append(*subvols, crawl)
			return true
		}
	}
	return false
}

func (s *scanModeIndependent) nextTransid(ctx context.Context, crawlMap map[uint64]*Crawl) {
	subvols := make([]*Crawl, 0, len(crawlMap))
	for _, crawl := range sortedCrawls(crawlMap) {
		if _, ok := crawl.PeekFront(ctx); ok {
			subvols = append(subvols, crawl)
		}
	}
	s.mu.Lock()
	s.subvols = &subvols
	s.mu.Unlock()
}

// sequential

type sequentialEntry struct {
	root  uint64
	crawl *Crawl
}

func sequentialLess(a, b sequentialEntry) bool { return a.root < b.root }

type scanModeSequential struct {
	scanModeBase
	mu     sync.Mutex
	sorted *btree.BTreeG[sequentialEntry]
}

func (s *scanModeSequential) name() string { return "SEQUENTIAL" }

func (s *scanModeSequential) scan(ctx context.Context) bool {
	s.mu.Lock()
	sorted := s.sorted
	s.mu.Unlock()
	if sorted == nil {
		dlog.Infof(ctx, "called Sequential scan without a sorted map")
		return false
	}
	for {
		entry, ok := sorted.Min()
		if !ok {
			return false
		}
		// Stay on the head crawl until it runs dry.
		if s.crawlBatch(ctx, entry.crawl) {
			return true
		}
		sorted.DeleteMin()
	}
}

func (s *scanModeSequential) nextTransid(ctx context.Context, crawlMap map[uint64]*Crawl) {
	sorted := btree.NewG(2, sequentialLess)
	for root, crawl := range crawlMap {
		if _, ok := crawl.PeekFront(ctx); ok {
			if _, dup := sorted.ReplaceOrInsert(sequentialEntry{root: root, crawl: crawl}); dup {
				panic(fmt.Errorf("bees: sequential root %d inserted twice", root))
			}
		}
	}
	s.mu.Lock()
	s.sorted = sorted
	s.mu.Unlock()
}

// recent

type recentKey struct {
	minTransid uint64
	maxTransid uint64
}

type recentEntry struct {
	key    recentKey
	crawls []*Crawl
}

// Descending by (minTransid, maxTransid): newest window first.
func recentLess(a, b *recentEntry) bool {
	if a.key.minTransid != b.key.minTransid {
		return a.key.minTransid > b.key.minTransid
	}
	return a.key.maxTransid > b.key.maxTransid
}

type scanModeRecent struct {
	scanModeBase
	mu     sync.Mutex
	sorted *btree.BTreeG[*recentEntry]
}

func (s *scanModeRecent) name() string { return "RECENT" }

func (s *scanModeRecent) scan(ctx context.Context) bool {
	s.mu.Lock()
	sorted := s.sorted
	s.mu.Unlock()
	if sorted == nil {
		dlog.Infof(ctx, "called Recent scan without a sorted map")
		return false
	}
	for {
		entry, ok := sorted.Min()
		if !ok {
			return false
		}
		if len(entry.crawls) == 0 {
			sorted.DeleteMin()
			continue
		}
		crawl := entry.crawls[0]
		entry.crawls = entry.crawls[1:]
		if s.crawlBatch(ctx, crawl) {
			entry.crawls = append(entry.crawls, crawl)
			return true
		}
	}
}

func (s *scanModeRecent) nextTransid(ctx context.Context, crawlMap map[uint64]*Crawl) {
	sorted := btree.NewG(2, recentLess)
	for _, crawl := range sortedCrawls(crawlMap) {
		if _, ok := crawl.PeekFront(ctx); ok {
			// Should we use max_transid or only min_transid?
			// Using max_transid here would make it more
			// like sequential, and sequential is bad.
			key := recentKey{minTransid: crawl.StateEnd().MinTransid, maxTransid: 0}
			if entry, ok := sorted.Get(&recentEntry{key: key}); ok {
				entry.crawls = append(entry.crawls, crawl)
			} else {
				sorted.ReplaceOrInsert(&recentEntry{key: key, crawls: []*Crawl{crawl}})
			}
		}
	}
	s.mu.Lock()
	s.sorted = sorted
	s.mu.Unlock()
}
