// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsioctl talks to a live, mounted btrfs filesystem
// through its ioctl interface: metadata tree searches, inode path
// resolution, and range deduplication.
//
// This is deliberately not an on-disk parser; the kernel owns the
// trees and every read goes through TREE_SEARCH_V2.
package btrfsioctl

// ioctl magic number shared by all btrfs ioctls.
const iocMagic = 0x94

// Well-known tree object IDs.
const (
	RootTreeObjectID   = 1
	ExtentTreeObjectID = 2
	ChunkTreeObjectID  = 3
	DevTreeObjectID    = 4
	FSTreeObjectID     = 5

	// FirstFreeObjectID is the inode number of every subvolume's
	// root directory.
	FirstFreeObjectID = 256
)

// Item key types used by the crawler.
const (
	InodeItemKey   = 1
	ExtentDataKey  = 108
	RootItemKey    = 132
	RootBackrefKey = 144
	RootRefKey     = 156
)

// File extent item types.
const (
	FileExtentInline   = 0
	FileExtentReg      = 1
	FileExtentPrealloc = 2
)

// ROOT_ITEM flags.
const (
	RootSubvolRdonly = 1 << 0
)

// NocowFlag is FS_NOCOW_FL from the generic inode flags ioctl.
// NOCOW implies no checksums, and the kernel refuses cross-file
// dedupe between datasum and nodatasum inodes.
const NocowFlag = 0x00800000
