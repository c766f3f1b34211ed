// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/iav/bees/lib/btrfsioctl"
)

// Crawl is the cursor over one subvolume: a CrawlState plus a
// lookahead extent item.  A crawl is "finished" when its current
// transid window is exhausted, and "deferred" when schedulers should
// skip it until the next discovery pass reactivates it.
type Crawl struct {
	roots *Roots
	state *ProgressTracker[CrawlState]

	// mu guards the lookahead and the finished flag, and is held
	// across the metadata lookup that refills the lookahead.
	mu       sync.Mutex
	next     *btrfsioctl.ExtentItem
	finished bool

	deferred atomic.Bool
}

func newCrawl(roots *Roots, initial CrawlState) *Crawl {
	return &Crawl{
		roots: roots,
		state: NewProgressTracker(initial),
	}
}

// StateBegin is the position safe to persist (minimum in-flight
// state).
func (c *Crawl) StateBegin() CrawlState { return c.state.Begin() }

// StateEnd is the position the crawl has advanced to.
func (c *Crawl) StateEnd() CrawlState { return c.state.End() }

func (c *Crawl) holdState(s CrawlState) *ProgressHolder[CrawlState] {
	return c.state.Hold(s)
}

func (c *Crawl) setState(s CrawlState) {
	c.state.Hold(s).Release()
	c.roots.markDirty()
}

func (c *Crawl) setDeferred(deferred bool) {
	c.deferred.Store(deferred)
}

func (c *Crawl) isDeferred() bool {
	return c.deferred.Load()
}

// nextTransid advances the transid window: the old maximum becomes
// the new minimum, and the new maximum is the current filesystem
// transid.  Returns false if no advance is possible, in which case
// the crawl stays finished and defers until the next transid cycle.
// Called with c.mu held.
func (c *Crawl) nextTransid(ctx context.Context) bool {
	next := c.roots.TransidMax()
	st := c.StateEnd()

	c.finished = st.MaxTransid >= next

	if c.finished {
		c.deferred.Store(true)
		dlog.Infof(ctx, "Crawl finished %v", st)
	} else {
		st.MinTransid = st.MaxTransid
		st.MaxTransid = next
		st.ObjectID = 0
		st.Offset = 0
		st.Started = time.Now().Unix()
		countAdd("crawl_restart", 1)
		c.setState(st)
		c.deferred.Store(false)
		dlog.Infof(ctx, "Crawl started %v", st)
	}

	return !c.finished
}

// fetchExtents attempts one step toward filling the lookahead:
// either a metadata lookup or a transid window advance.  Returns
// false when no further progress is possible right now.  Called with
// c.mu held.
func (c *Crawl) fetchExtents(ctx context.Context) bool {
	// The discovery pass will undefer us.  Until then, nothing.
	if c.deferred.Load() {
		return false
	}

	old := c.StateEnd()

	// Can't scan an empty transid interval.
	if c.finished || old.MaxTransid <= old.MinTransid {
		return c.nextTransid(ctx)
	}

	// btrfs send workaround: a read-only subvolume produces
	// nothing, but its max_transid keeps tracking the filesystem
	// so that flipping it read-write later does not trigger an
	// expensive scan of ancient transids.
	if c.roots.isRootRO(ctx, old.Root) {
		dlog.Debugf(ctx, "WORKAROUND: skipping scan of RO root %d", old.Root)
		countAdd("root_workaround_btrfs_send", 1)
		if old.ObjectID == 0 {
			next := c.roots.TransidMax()
			st := old
			if next > st.MaxTransid {
				st.MaxTransid = next
			}
			// The scan has not started; move its start
			// time forward too.
			st.Started = time.Now().Unix()
			c.setState(st)
		}
		c.deferred.Store(true)
		return false
	}

	item, ok, err := c.roots.fetch.NextExtentItem(ctx, old.Root, old.ObjectID, old.MinTransid)
	if err != nil {
		// Stop scanning this subvol until the next transid
		// cycle, move on to the next.
		dlog.Infof(ctx, "fetch failed on root %d: %v", old.Root, err)
		countAdd("crawl_fetch_fail", 1)
		c.deferred.Store(true)
		return false
	}
	if !ok {
		// Ran out of data in this subvol and transid window.
		return c.nextTransid(ctx)
	}
	c.next = &item
	st := old
	if item.ObjectID+1 > item.ObjectID {
		st.ObjectID = item.ObjectID + 1
	} else {
		st.ObjectID = item.ObjectID
	}
	st.Offset = 0
	c.setState(st)
	return true
}

// fetchExtentsHarder retries fetchExtents until the lookahead is
// filled or the crawl defers/finishes.  Called with c.mu held.
func (c *Crawl) fetchExtentsHarder(ctx context.Context) {
	for c.next == nil {
		if !c.fetchExtents(ctx) {
			return
		}
	}
}

func (c *Crawl) itemToRange(item *btrfsioctl.ExtentItem) (FileRange, bool) {
	if item == nil {
		return FileRange{}, false
	}
	return FileRange{
		File:  FileID{Root: c.StateEnd().Root, Ino: item.ObjectID},
		Begin: item.Offset,
		End:   item.Offset + item.LogicalBytes,
	}, true
}

// PeekFront returns the next extent to scan without consuming it.
func (c *Crawl) PeekFront(ctx context.Context) (FileRange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchExtentsHarder(ctx)
	return c.itemToRange(c.next)
}

// PopFront consumes and returns the next extent to scan.
func (c *Crawl) PopFront(ctx context.Context) (FileRange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchExtentsHarder(ctx)
	item := c.next
	c.next = nil
	return c.itemToRange(item)
}
