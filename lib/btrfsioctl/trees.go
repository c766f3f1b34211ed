// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsioctl

import (
	"context"
	"errors"
	"math"
	"os"

	"github.com/datawire/dlib/dlog"
)

// ErrNotFound is returned by Trees lookups when no item matches.
var ErrNotFound = errors.New("btrfsioctl: item not found")

// Trees reads metadata items from a mounted filesystem through
// TREE_SEARCH_V2 on the filesystem root fd.
type Trees struct {
	root *os.File
}

func NewTrees(root *os.File) *Trees {
	return &Trees{root: root}
}

// RootItem returns the ROOT_ITEM for the given root-tree object id.
func (t *Trees) RootItem(ctx context.Context, objectID uint64) (RootInfo, error) {
	items, err := TreeSearch(t.root, SearchKey{
		TreeID:      RootTreeObjectID,
		MinObjectID: objectID,
		MaxObjectID: objectID,
		MinType:     RootItemKey,
		MaxType:     RootItemKey,
		MaxOffset:   math.MaxUint64,
		MaxTransid:  math.MaxUint64,
		NrItems:     1,
	})
	if err != nil {
		return RootInfo{}, err
	}
	if len(items) == 0 {
		return RootInfo{}, ErrNotFound
	}
	return parseRootInfo(items[0])
}

// NextRootBackref returns the first ROOT_BACKREF item whose root id
// is >= minRoot.
func (t *Trees) NextRootBackref(ctx context.Context, minRoot uint64) (RootBackref, bool, error) {
	items, err := TreeSearch(t.root, SearchKey{
		TreeID:      RootTreeObjectID,
		MinObjectID: minRoot,
		MaxObjectID: math.MaxUint64,
		MinType:     RootBackrefKey,
		MaxType:     RootBackrefKey,
		MaxOffset:   math.MaxUint64,
		MaxTransid:  math.MaxUint64,
		NrItems:     1,
	})
	if err != nil {
		return RootBackref{}, false, err
	}
	if len(items) == 0 {
		return RootBackref{}, false, nil
	}
	ref, err := parseRootBackref(items[0])
	if err != nil {
		return RootBackref{}, false, err
	}
	dlog.Tracef(ctx, "next root backref >= %d: root %d parent %d name %q", minRoot, ref.RootID, ref.ParentID, ref.Name)
	return ref, true, nil
}

// RootBackref returns the ROOT_BACKREF item for exactly rootID.
func (t *Trees) RootBackref(ctx context.Context, rootID uint64) (RootBackref, bool, error) {
	ref, ok, err := t.NextRootBackref(ctx, rootID)
	if err != nil || !ok || ref.RootID != rootID {
		return RootBackref{}, false, err
	}
	return ref, true, nil
}

// NextExtentItem returns the first EXTENT_DATA item in the subvolume
// tree with inode >= minObjectID, on a metadata page with transid >=
// minTransid.
func (t *Trees) NextExtentItem(ctx context.Context, root, minObjectID, minTransid uint64) (ExtentItem, bool, error) {
	items, err := TreeSearch(t.root, SearchKey{
		TreeID:      root,
		MinObjectID: minObjectID,
		MaxObjectID: math.MaxUint64,
		MinType:     ExtentDataKey,
		MaxType:     ExtentDataKey,
		MaxOffset:   math.MaxUint64,
		MinTransid:  minTransid,
		MaxTransid:  math.MaxUint64,
		NrItems:     1,
	})
	if err != nil {
		return ExtentItem{}, false, err
	}
	if len(items) == 0 {
		return ExtentItem{}, false, nil
	}
	ei, err := parseExtentItem(items[0])
	if err != nil {
		return ExtentItem{}, false, err
	}
	return ei, true, nil
}

// NextFileExtent returns the first EXTENT_DATA item of the given
// inode with offset >= minOffset, on a metadata page with transid >=
// minTransid.
func (t *Trees) NextFileExtent(ctx context.Context, root, ino, minOffset, minTransid uint64) (ExtentItem, bool, error) {
	items, err := TreeSearch(t.root, SearchKey{
		TreeID:      root,
		MinObjectID: ino,
		MaxObjectID: ino,
		MinType:     ExtentDataKey,
		MaxType:     ExtentDataKey,
		MinOffset:   minOffset,
		MaxOffset:   math.MaxUint64,
		MinTransid:  minTransid,
		MaxTransid:  math.MaxUint64,
		NrItems:     1,
	})
	if err != nil {
		return ExtentItem{}, false, err
	}
	if len(items) == 0 {
		return ExtentItem{}, false, nil
	}
	ei, err := parseExtentItem(items[0])
	if err != nil {
		return ExtentItem{}, false, err
	}
	return ei, true, nil
}
