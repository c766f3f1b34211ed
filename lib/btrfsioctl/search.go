// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsioctl

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unsafe"

	"github.com/dennwc/ioctl"
)

// searchKey is struct btrfs_ioctl_search_key: 104 bytes.
type searchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransid  uint64
	MaxTransid  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
	_           uint32
	_           [4]uint64
}

// searchArgsV2Header is struct btrfs_ioctl_search_args_v2 minus the
// flexible buffer; its size (112) is what goes into the ioctl number.
type searchArgsV2Header struct {
	Key     searchKey
	BufSize uint64
}

const searchBufSize = 64 * 1024

type searchArgsV2 struct {
	searchArgsV2Header
	Buf [searchBufSize]byte
}

var iocTreeSearchV2 = ioctl.IOWR(iocMagic, 17, unsafe.Sizeof(searchArgsV2Header{}))

// searchHeaderSize is sizeof(struct btrfs_ioctl_search_header).
const searchHeaderSize = 32

// SearchKey selects a range of items within one metadata tree.  All
// constraints are applied component-wise by the kernel.  A zero
// NrItems asks for a single item.
type SearchKey struct {
	TreeID      uint64
	MinObjectID uint64
	MaxObjectID uint64
	MinOffset   uint64
	MaxOffset   uint64
	MinTransid  uint64
	MaxTransid  uint64
	MinType     uint32
	MaxType     uint32
	NrItems     uint32
}

// SearchHeader is the per-item result header.  Transid is the
// generation of the metadata page holding the item, which is not the
// same thing as a file extent item's own generation.
type SearchHeader struct {
	Transid  uint64
	ObjectID uint64
	Offset   uint64
	Type     uint32
	Len      uint32
}

// SearchItem is one item returned by TreeSearch.
type SearchItem struct {
	SearchHeader
	Data []byte
}

// TreeSearch runs TREE_SEARCH_V2 against the filesystem that f lives
// on.  Items come back in key order.
func TreeSearch(f *os.File, k SearchKey) ([]SearchItem, error) {
	nrItems := k.NrItems
	if nrItems == 0 {
		nrItems = 1
	}
	args := &searchArgsV2{
		searchArgsV2Header: searchArgsV2Header{
			Key: searchKey{
				TreeID:      k.TreeID,
				MinObjectID: k.MinObjectID,
				MaxObjectID: k.MaxObjectID,
				MinOffset:   k.MinOffset,
				MaxOffset:   k.MaxOffset,
				MinTransid:  k.MinTransid,
				MaxTransid:  k.MaxTransid,
				MinType:     k.MinType,
				MaxType:     k.MaxType,
				NrItems:     nrItems,
			},
			BufSize: searchBufSize,
		},
	}
	if err := ioctl.Ioctl(f, iocTreeSearchV2, uintptr(unsafe.Pointer(args))); err != nil {
		return nil, fmt.Errorf("TREE_SEARCH_V2 tree=%d: %w", k.TreeID, err)
	}
	items := make([]SearchItem, 0, args.Key.NrItems)
	off := 0
	for i := uint32(0); i < args.Key.NrItems; i++ {
		if off+searchHeaderSize > len(args.Buf) {
			return nil, fmt.Errorf("TREE_SEARCH_V2 tree=%d: short result buffer at item %d", k.TreeID, i)
		}
		hdr := SearchHeader{
			Transid:  binary.LittleEndian.Uint64(args.Buf[off+0:]),
			ObjectID: binary.LittleEndian.Uint64(args.Buf[off+8:]),
			Offset:   binary.LittleEndian.Uint64(args.Buf[off+16:]),
			Type:     binary.LittleEndian.Uint32(args.Buf[off+24:]),
			Len:      binary.LittleEndian.Uint32(args.Buf[off+28:]),
		}
		dataStart := off + searchHeaderSize
		dataEnd := dataStart + int(hdr.Len)
		if dataEnd > len(args.Buf) {
			return nil, fmt.Errorf("TREE_SEARCH_V2 tree=%d: item %d data overruns buffer", k.TreeID, i)
		}
		data := make([]byte, hdr.Len)
		copy(data, args.Buf[dataStart:dataEnd])
		items = append(items, SearchItem{SearchHeader: hdr, Data: data})
		off = dataEnd
	}
	return items, nil
}

// NextKey advances a SearchKey's minimum past the given result item,
// for resumed searches.
func (k SearchKey) NextKey(hdr SearchHeader) SearchKey {
	k.MinObjectID = hdr.ObjectID
	k.MinOffset = hdr.Offset
	if k.MinOffset < math.MaxUint64 {
		k.MinOffset++
	} else if k.MinObjectID < math.MaxUint64 {
		k.MinOffset = 0
		k.MinObjectID++
	}
	return k
}
