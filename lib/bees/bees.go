// SPDX-License-Identifier: GPL-2.0-or-later

// Package bees implements the subvolume crawl and scheduling
// subsystem of a btrfs deduplication daemon: it discovers subvolumes,
// tracks per-subvolume crawl cursors across transid windows, persists
// cursor state across restarts, and feeds candidate file extents to a
// downstream scanner under one of four ordering policies.
package bees

import (
	"context"
	"os"

	"github.com/iav/bees/lib/btrfsioctl"
	"github.com/iav/bees/lib/task"
	"github.com/iav/bees/lib/textui"
)

// BlockSize is the filesystem block size the crawler assumes when
// advancing offsets.
var BlockSize = textui.Tunable(uint64(4096))

// FileID identifies a file by subvolume and inode.  Snapshots share
// inode numbers, so two distinct files can differ only in Root.
type FileID struct {
	Root uint64
	Ino  uint64
}

// FileRange is a half-open byte range within a file.
type FileRange struct {
	File  FileID
	Begin uint64
	End   uint64
}

// Context is the set of collaborators outside the crawl subsystem:
// the dedupe scanner, the blacklist, the per-inode lock registry, and
// the daemon's long-lived file descriptors.
type Context interface {
	// RootFd is the root directory of the filesystem being
	// scanned.
	RootFd() *os.File
	// HomeFd is the directory holding persistent daemon state.
	HomeFd() *os.File
	// ScanForward hashes and dedupes a candidate range.  A true
	// result asks the crawler to re-emit the same range later
	// instead of advancing past it.
	ScanForward(ctx context.Context, fr FileRange) (scanAgain bool, err error)
	// IsBlacklisted reports whether the file must not be scanned.
	IsBlacklisted(id FileID) bool
	// InodeMutex returns the shared dedupe lock for an inode
	// number.  Snapshots share extents, so the lock is keyed by
	// inode alone and covers the same inode in every subvolume.
	InodeMutex(ino uint64) *task.TryMutex
}

// Fetcher reads filesystem metadata.  The production implementation
// is btrfsioctl.Trees; tests substitute an in-memory filesystem.
type Fetcher interface {
	RootItem(ctx context.Context, objectID uint64) (btrfsioctl.RootInfo, error)
	NextRootBackref(ctx context.Context, minRoot uint64) (btrfsioctl.RootBackref, bool, error)
	RootBackref(ctx context.Context, rootID uint64) (btrfsioctl.RootBackref, bool, error)
	NextExtentItem(ctx context.Context, root, minObjectID, minTransid uint64) (btrfsioctl.ExtentItem, bool, error)
	NextFileExtent(ctx context.Context, root, ino, minOffset, minTransid uint64) (btrfsioctl.ExtentItem, bool, error)
}

var _ Fetcher = (*btrfsioctl.Trees)(nil)
