// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsioctl

import (
	"encoding/binary"
	"fmt"
)

// RootInfo is the subset of a ROOT_ITEM the crawler reads: the
// transid of the metadata page holding the item, and the subvolume
// flags.
type RootInfo struct {
	ObjectID   uint64
	Transid    uint64
	Generation uint64
	Flags      uint64
}

// ReadOnly reports whether the subvolume carries the read-only flag.
func (ri RootInfo) ReadOnly() bool {
	return ri.Flags&RootSubvolRdonly != 0
}

// btrfs_root_item field offsets (the leading btrfs_inode_item is 160
// bytes).
const (
	rootItemGeneration = 160
	rootItemFlags      = 208
	rootItemFlagsEnd   = 216
)

func parseRootInfo(item SearchItem) (RootInfo, error) {
	if item.Type != RootItemKey {
		return RootInfo{}, fmt.Errorf("parse ROOT_ITEM: unexpected item type %d", item.Type)
	}
	ri := RootInfo{
		ObjectID: item.ObjectID,
		Transid:  item.Transid,
	}
	// Legacy root items can be shorter than the current struct;
	// absent fields read as zero.
	if len(item.Data) >= rootItemGeneration+8 {
		ri.Generation = binary.LittleEndian.Uint64(item.Data[rootItemGeneration:])
	}
	if len(item.Data) >= rootItemFlagsEnd {
		ri.Flags = binary.LittleEndian.Uint64(item.Data[rootItemFlags:])
	}
	return ri, nil
}

// RootBackref is a ROOT_BACKREF item: the subvolume's name and
// location within its parent subvolume.
type RootBackref struct {
	RootID   uint64
	ParentID uint64
	DirID    uint64
	Name     string
}

func parseRootBackref(item SearchItem) (RootBackref, error) {
	if item.Type != RootBackrefKey {
		return RootBackref{}, fmt.Errorf("parse ROOT_BACKREF: unexpected item type %d", item.Type)
	}
	// struct btrfs_root_ref: dirid, sequence, name_len; name follows.
	const refLen = 18
	if len(item.Data) < refLen {
		return RootBackref{}, fmt.Errorf("parse ROOT_BACKREF root=%d: truncated item (%d bytes)", item.ObjectID, len(item.Data))
	}
	nameLen := int(binary.LittleEndian.Uint16(item.Data[16:]))
	if len(item.Data) < refLen+nameLen {
		return RootBackref{}, fmt.Errorf("parse ROOT_BACKREF root=%d: name overruns item", item.ObjectID)
	}
	return RootBackref{
		RootID:   item.ObjectID,
		ParentID: item.Offset,
		DirID:    binary.LittleEndian.Uint64(item.Data[0:]),
		Name:     string(item.Data[refLen : refLen+nameLen]),
	}, nil
}

// ExtentItem is an EXTENT_DATA item: one contiguous run of a file's
// data.  Generation is the transid of the extent itself, not of the
// metadata page it was found on.
type ExtentItem struct {
	ObjectID     uint64 // inode
	Offset       uint64 // logical byte offset within the inode
	Generation   uint64
	Type         uint8
	Bytenr       uint64 // physical; 0 means hole
	LogicalBytes uint64
}

// btrfs_file_extent_item field offsets (the on-disk struct is
// packed).
const (
	fileExtentGeneration = 0
	fileExtentRAMBytes   = 8
	fileExtentType       = 20
	fileExtentDiskBytenr = 21
	fileExtentNumBytes   = 45
	fileExtentFullLen    = 53
)

func parseExtentItem(item SearchItem) (ExtentItem, error) {
	if item.Type != ExtentDataKey {
		return ExtentItem{}, fmt.Errorf("parse EXTENT_DATA: unexpected item type %d", item.Type)
	}
	if len(item.Data) < fileExtentType+1 {
		return ExtentItem{}, fmt.Errorf("parse EXTENT_DATA ino=%d off=%d: truncated item (%d bytes)", item.ObjectID, item.Offset, len(item.Data))
	}
	ei := ExtentItem{
		ObjectID:   item.ObjectID,
		Offset:     item.Offset,
		Generation: binary.LittleEndian.Uint64(item.Data[fileExtentGeneration:]),
		Type:       item.Data[fileExtentType],
	}
	switch ei.Type {
	case FileExtentInline:
		// Inline extents store data in the item; ram_bytes is
		// the unencoded length.
		ei.LogicalBytes = binary.LittleEndian.Uint64(item.Data[fileExtentRAMBytes:])
	case FileExtentReg, FileExtentPrealloc:
		if len(item.Data) < fileExtentFullLen {
			return ExtentItem{}, fmt.Errorf("parse EXTENT_DATA ino=%d off=%d: truncated regular extent (%d bytes)", item.ObjectID, item.Offset, len(item.Data))
		}
		ei.Bytenr = binary.LittleEndian.Uint64(item.Data[fileExtentDiskBytenr:])
		ei.LogicalBytes = binary.LittleEndian.Uint64(item.Data[fileExtentNumBytes:])
	}
	return ei, nil
}
