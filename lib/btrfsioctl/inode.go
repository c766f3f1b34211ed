// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsioctl

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/dennwc/ioctl"
	"golang.org/x/sys/unix"
)

// inoPathArgs is struct btrfs_ioctl_ino_path_args.
type inoPathArgs struct {
	Inum   uint64
	Size   uint64
	_      [4]uint64
	Fspath uint64
}

var iocInoPaths = ioctl.IOWR(iocMagic, 35, unsafe.Sizeof(inoPathArgs{}))

// InoPaths returns the paths of the given inode, relative to the
// subvolume that f belongs to.  An inode can have several paths
// (hardlinks) or none (unlinked but open).
func InoPaths(f *os.File, ino uint64) ([]string, error) {
	// struct btrfs_data_container: 16-byte header, then elem_cnt
	// u64 offsets into the area following the header.
	buf := make([]byte, 64*1024)
	args := inoPathArgs{
		Inum:   ino,
		Size:   uint64(len(buf)),
		Fspath: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	err := ioctl.Ioctl(f, iocInoPaths, uintptr(unsafe.Pointer(&args)))
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, fmt.Errorf("INO_PATHS ino=%d: %w", ino, err)
	}
	elemCnt := binary.LittleEndian.Uint32(buf[8:12])
	valArea := buf[16:]
	paths := make([]string, 0, elemCnt)
	for i := 0; i < int(elemCnt); i++ {
		off := binary.LittleEndian.Uint64(valArea[i*8:])
		if off >= uint64(len(valArea)) {
			return nil, fmt.Errorf("INO_PATHS ino=%d: path %d offset out of range", ino, i)
		}
		rest := valArea[off:]
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			end = len(rest)
		}
		paths = append(paths, string(rest[:end]))
	}
	return paths, nil
}

// inoLookupArgs is struct btrfs_ioctl_ino_lookup_args.
type inoLookupArgs struct {
	TreeID   uint64
	ObjectID uint64
	Name     [4080]byte
}

var iocInoLookup = ioctl.IOWR(iocMagic, 18, unsafe.Sizeof(inoLookupArgs{}))

// RootID returns the id of the subvolume that f belongs to.
func RootID(f *os.File) (uint64, error) {
	args := inoLookupArgs{
		TreeID:   0, // 0 means "the fd's own subvolume"
		ObjectID: FirstFreeObjectID,
	}
	if err := ioctl.Ioctl(f, iocInoLookup, uintptr(unsafe.Pointer(&args))); err != nil {
		return 0, fmt.Errorf("INO_LOOKUP: %w", err)
	}
	return args.TreeID, nil
}

// GetFlags reads the generic inode flags (FS_IOC_GETFLAGS) of f.
func GetFlags(f *os.File) (int, error) {
	flags, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return 0, fmt.Errorf("FS_IOC_GETFLAGS: %w", err)
	}
	return flags, nil
}
