// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/iav/bees/lib/btrfsioctl"
	"github.com/iav/bees/lib/task"
)

// fileCrawl walks the extents of one inode, one extent per task
// execution, handing candidate ranges to the downstream scanner.
type fileCrawl struct {
	roots *Roots
	crawl *Crawl
	// hold pins the persisted cursor at the last uncommitted
	// position; it is replaced as ranges complete.
	hold *ProgressHolder[CrawlState]
	// state is a snapshot of the crawl state when the task was
	// created.
	state CrawlState
	// offset is the current position within the inode.
	offset uint64
	ino    uint64
}

type crawlStep int

const (
	// stepDone: the inode is exhausted (or unreadable); do not
	// reschedule.
	stepDone crawlStep = iota
	// stepMore: one extent processed; reschedule.
	stepMore
	// stepWait: lost the inode lock; the lock's waiter queue will
	// reschedule us.
	stepWait
)

// run is the task body: process one extent, then either append
// ourselves back onto the queue or end the task.
func (fc *fileCrawl) run(ctx context.Context) {
	switch fc.crawlOneExtent(ctx) {
	case stepMore:
		// Append rather than Run, so other queued tasks get a
		// turn between our extents.
		task.Current(ctx).Append(task.Current(ctx))
	case stepWait:
		// Keep the hold: the persisted cursor must not
		// advance past work we have not done yet.
	case stepDone:
		fc.hold.Release()
	}
}

func (fc *fileCrawl) crawlOneExtent(ctx context.Context) crawlStep {
	dlog.Tracef(ctx, "crawl_one_extent offset %#x state %v", fc.offset, fc.state)

	// Only one thread can dedupe a file.  Inodes are usually full
	// of shared extents, especially in the case of snapshots, so
	// locking an inode number locks it in all subvols at once.
	inodeMutex := fc.roots.env.InodeMutex(fc.ino)
	if !inodeMutex.TryLock(task.Current(ctx)) {
		countAdd("scanf_deferred_inode", 1)
		return stepWait
	}
	defer inodeMutex.Unlock()

	item, ok, err := fc.roots.fetch.NextFileExtent(ctx, fc.state.Root, fc.ino, fc.offset, fc.state.MinTransid)
	if err != nil {
		// The file or subvol was deleted, or the metadata is
		// corrupted; stop scanning this inode.
		dlog.Debugf(ctx, "extent lookup failed on root %d ino %d: %v", fc.state.Root, fc.ino, err)
		countAdd("crawl_abort", 1)
		return stepDone
	}
	if !ok {
		return stepDone
	}

	// Make sure we advance.  The max() guards against an extent
	// in the last 16 4K blocks of the 64-bit address space, which
	// would be a neat trick given that file offsets are signed.
	if next := item.Offset + BlockSize; next > item.Offset {
		fc.offset = next
	} else {
		fc.offset = item.Offset
	}

	// Check the extent item generation is in range.  The search
	// already filtered on the metadata page's transid, which
	// includes anything else on that page that happened to be
	// modified; the extent's own generation is what slices the
	// data by transid.
	gen := item.Generation
	if gen < fc.state.MinTransid {
		countAdd("crawl_gen_low", 1)
		return stepMore
	}
	if gen > fc.state.MaxTransid {
		// Refs to new extent data on old pages; they will be
		// processed on the next crawl cycle.
		countAdd("crawl_gen_high", 1)
		return stepMore
	}

	switch item.Type {
	default:
		dlog.Debugf(ctx, "unhandled file extent type %d in root %d ino %d", item.Type, fc.state.Root, fc.ino)
		countAdd("crawl_unknown", 1)
	case btrfsioctl.FileExtentInline:
		// Ignore these for now.
		// TODO: replace with out-of-line dup extents
		countAdd("crawl_inline", 1)
	case btrfsioctl.FileExtentPrealloc:
		countAdd("crawl_prealloc", 1)
		fallthrough
	case btrfsioctl.FileExtentReg:
		fc.scanExtent(ctx, item)
	}
	return stepMore
}

func (fc *fileCrawl) scanExtent(ctx context.Context, item btrfsioctl.ExtentItem) {
	if item.Bytenr == 0 {
		countAdd("crawl_hole", 1)
		return
	}
	if item.LogicalBytes == 0 {
		panic(fmt.Errorf("bees: zero-length extent at root %d ino %d offset %d", fc.state.Root, fc.ino, item.Offset))
	}
	fid := FileID{Root: fc.state.Root, Ino: fc.ino}
	if fc.roots.env.IsBlacklisted(fid) {
		countAdd("crawl_blacklisted", 1)
		return
	}
	fr := FileRange{File: fid, Begin: item.Offset, End: item.Offset + item.LogicalBytes}
	countAdd("crawl_push", 1)

	st := fc.state
	st.ObjectID = fid.Ino
	st.Offset = fr.Begin
	newHold := fc.crawl.holdState(st)

	// Scan errors are recoverable: the file may have been deleted
	// or truncated under us.  Try again with the next extent.
	scanAgain, err := fc.roots.env.ScanForward(ctx, fr)
	if err != nil {
		dlog.Warnf(ctx, "scan_forward %v failed: %v", fr, err)
		countAdd("crawl_scan_fail", 1)
		scanAgain = false
	}
	if !scanAgain {
		fc.hold.Release()
		fc.hold = newHold
	} else {
		newHold.Release()
		countAdd("crawl_again", 1)
	}
}
