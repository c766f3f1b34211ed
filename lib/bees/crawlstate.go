// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"fmt"
	"time"
)

// CrawlState is the persistent cursor of one subvolume crawler: an
// inode/offset position within a half-open transid window.
type CrawlState struct {
	Root       uint64
	ObjectID   uint64
	Offset     uint64
	MinTransid uint64
	MaxTransid uint64
	Started    int64 // seconds since epoch; when this window was opened
}

// NewCrawlState returns a zero cursor stamped with the current time.
func NewCrawlState() CrawlState {
	return CrawlState{Started: time.Now().Unix()}
}

// Compare orders states lexicographically by (MinTransid, MaxTransid,
// ObjectID, Offset, Root): oldest window first, then position within
// the window.
func (s CrawlState) Compare(o CrawlState) int {
	if c := cmpUint64(s.MinTransid, o.MinTransid); c != 0 {
		return c
	}
	if c := cmpUint64(s.MaxTransid, o.MaxTransid); c != 0 {
		return c
	}
	if c := cmpUint64(s.ObjectID, o.ObjectID); c != 0 {
		return c
	}
	if c := cmpUint64(s.Offset, o.Offset); c != 0 {
		return c
	}
	return cmpUint64(s.Root, o.Root)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func formatTime(t int64) string {
	return time.Unix(t, 0).Format("2006-01-02-15-04-05")
}

func (s CrawlState) String() string {
	age := time.Now().Unix() - s.Started
	return fmt.Sprintf("CrawlState %d:%d offset %#x transid %d..%d started %s (%ds ago)",
		s.Root, s.ObjectID, s.Offset, s.MinTransid, s.MaxTransid, formatTime(s.Started), age)
}
