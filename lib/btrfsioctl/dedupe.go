// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsioctl

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// DedupeRange asks the kernel to deduplicate length bytes at
// src[srcOff] against dst[dstOff].  It returns the number of bytes
// actually deduplicated; same=false means the kernel compared the
// ranges and found them different.
func DedupeRange(src *os.File, srcOff, length uint64, dst *os.File, dstOff uint64) (deduped uint64, same bool, err error) {
	arg := &unix.FileDedupeRange{
		Src_offset: srcOff,
		Src_length: length,
		Info: []unix.FileDedupeRangeInfo{{
			Dest_fd:     int64(dst.Fd()),
			Dest_offset: dstOff,
		}},
	}
	if err := unix.IoctlFileDedupeRange(int(src.Fd()), arg); err != nil {
		return 0, false, fmt.Errorf("FIDEDUPERANGE: %w", err)
	}
	info := arg.Info[0]
	if info.Status < 0 {
		return 0, false, fmt.Errorf("FIDEDUPERANGE: %w", syscall.Errno(-info.Status))
	}
	if info.Status == unix.FILE_DEDUPE_RANGE_DIFFERS {
		return 0, false, nil
	}
	return info.Bytes_deduped, true, nil
}
