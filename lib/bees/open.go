// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"github.com/iav/bees/lib/btrfsioctl"
)

func openDirAt(dir *os.File, path string) (*os.File, error) {
	fd, err := unix.Openat(int(dir.Fd()), path,
		unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("openat %q: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// openFileAt opens a scan candidate read-only.  Root can issue the
// dedupe ioctl without write access, and an open-for-write would
// block exec of the file.
func openFileAt(dir *os.File, path string) (*os.File, error) {
	fd, err := unix.Openat(int(dir.Fd()), path,
		unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// OpenRoot returns a directory FD for the top of a subvolume, or nil
// if the subvolume cannot be opened.  Results are cached until the
// next transid change; callers must not close the returned FD.
func (r *Roots) OpenRoot(ctx context.Context, rootid uint64) *os.File {
	// The root tree shows up as a reference target in some ioctl
	// results, but it has no directory to open.
	if rootid == btrfsioctl.RootTreeObjectID {
		return nil
	}
	if rootid == btrfsioctl.FSTreeObjectID {
		return r.env.RootFd()
	}
	if f, ok := r.rootCache.Get(rootid); ok {
		return f
	}
	f := r.OpenRootNocache(ctx, rootid)
	if f != nil {
		r.rootCache.Add(rootid, f)
	}
	return f
}

// OpenRootNocache resolves a subvolume id to a directory FD by
// walking root backrefs upward: open the parent subvolume, resolve
// the containing directory inode, then open the subvolume by name.
func (r *Roots) OpenRootNocache(ctx context.Context, rootid uint64) *os.File {
	if rootid == btrfsioctl.FSTreeObjectID {
		return r.env.RootFd()
	}

	ref, ok, err := r.fetch.RootBackref(ctx, rootid)
	if err != nil || !ok {
		dlog.Debugf(ctx, "no backref for root %d: %v", rootid, err)
		countAdd("root_notfound", 1)
		return nil
	}
	dlog.Debugf(ctx, "root %d parent %d dirid %d name %q", rootid, ref.ParentID, ref.DirID, ref.Name)

	countAdd("root_parent_open_try", 1)
	parent := r.OpenRoot(ctx, ref.ParentID)
	if parent == nil {
		countAdd("root_parent_open_fail", 1)
		return nil
	}
	countAdd("root_parent_open_ok", 1)

	// When the subvolume lives in a subdirectory of its parent,
	// the backref names the directory by inode; resolve it to a
	// path first.
	dir := parent
	ownDir := false
	if ref.DirID != btrfsioctl.FirstFreeObjectID {
		paths, err := btrfsioctl.InoPaths(parent, ref.DirID)
		if err != nil {
			dlog.Infof(ctx, "no path for dirid %d in parent of root %d: %v", ref.DirID, rootid, err)
			countAdd("root_parent_path_fail", 1)
			return nil
		}
		if len(paths) == 0 {
			dlog.Infof(ctx, "empty path set for dirid %d in parent of root %d", ref.DirID, rootid)
			countAdd("root_parent_path_empty", 1)
			return nil
		}
		dir, err = openDirAt(parent, paths[0])
		if err != nil {
			dlog.Infof(ctx, "opening dir of root %d: %v", rootid, err)
			countAdd("root_parent_path_open_fail", 1)
			return nil
		}
		ownDir = true
	}

	f, err := openDirAt(dir, ref.Name)
	if ownDir {
		dir.Close()
	}
	if err != nil {
		dlog.Debugf(ctx, "opening root %d by name: %v", rootid, err)
		countAdd("root_open_fail", 1)
		return nil
	}
	countAdd("root_found", 1)

	// The metadata we just followed could have changed underneath
	// us.  A mismatch here means a subvolume was renamed between
	// the backref lookup and the open; there is no recovery short
	// of restarting the resolution, so fail loudly.
	gotRoot, err := btrfsioctl.RootID(f)
	if err != nil {
		f.Close()
		dlog.Warnf(ctx, "root id of freshly opened root %d: %v", rootid, err)
		countAdd("root_open_fail", 1)
		return nil
	}
	if gotRoot != rootid {
		f.Close()
		panic(fmt.Errorf("bees: opened root %d but wanted root %d", gotRoot, rootid))
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		dlog.Warnf(ctx, "fstat of freshly opened root %d: %v", rootid, err)
		countAdd("root_open_fail", 1)
		return nil
	}
	if st.Ino != btrfsioctl.FirstFreeObjectID {
		f.Close()
		panic(fmt.Errorf("bees: root %d opened at inode %d, not the subvol top", rootid, st.Ino))
	}
	countAdd("root_ok", 1)
	return f
}

// OpenRootIno returns a file FD for (root, ino), or nil if the inode
// cannot be opened and validated.  Results are cached until the next
// transid change; callers must not close the returned FD.
func (r *Roots) OpenRootIno(ctx context.Context, root, ino uint64) *os.File {
	fid := FileID{Root: root, Ino: ino}
	if f, ok := r.lookupTmpfile(fid); ok {
		countAdd("open_tmpfile", 1)
		return f
	}
	if f, ok := r.inoCache.Get(fid); ok {
		return f
	}
	f := r.OpenRootInoNocache(ctx, root, ino)
	if f != nil {
		r.inoCache.Add(fid, f)
	}
	return f
}

// OpenRootInoNocache resolves (root, ino) to a path and opens it,
// then verifies the FD still names the inode we asked for.  Every
// validation failure is counted under its own name so drift shows up
// in the stats.
func (r *Roots) OpenRootInoNocache(ctx context.Context, root, ino uint64) *os.File {
	fid := FileID{Root: root, Ino: ino}
	if f, ok := r.lookupTmpfile(fid); ok {
		countAdd("open_tmpfile", 1)
		return f
	}

	rootFd := r.OpenRoot(ctx, root)
	if rootFd == nil {
		countAdd("open_no_root", 1)
		return nil
	}

	paths, err := btrfsioctl.InoPaths(rootFd, ino)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			// Deleted between crawl and open; common.
			countAdd("open_lookup_enoent", 1)
		} else {
			dlog.Infof(ctx, "ino_paths root %d ino %d: %v", root, ino, err)
			countAdd("open_lookup_error", 1)
		}
		return nil
	}
	if len(paths) == 0 {
		dlog.Warnf(ctx, "No paths for root %d ino %d", root, ino)
		countAdd("open_lookup_empty", 1)
	} else {
		countAdd("open_lookup_ok", 1)
	}

	for _, p := range paths {
		countAdd("open_file", 1)
		f, err := openFileAt(rootFd, p)
		if err != nil {
			if errors.Is(err, unix.ENOENT) {
				countAdd("open_fail_enoent", 1)
			} else {
				dlog.Warnf(ctx, "open root %d path %q: %v", root, p, err)
				countAdd("open_fail_error", 1)
			}
			// Another path might still be valid.
			continue
		}

		// If the path no longer names the inode we crawled,
		// the whole path set is stale; do not try the others.
		var st unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &st); err != nil {
			f.Close()
			countAdd("open_fail_error", 1)
			continue
		}
		if st.Ino != ino {
			dlog.Warnf(ctx, "root %d path %q has ino %d, wanted %d", root, p, st.Ino, ino)
			countAdd("open_wrong_ino", 1)
			f.Close()
			break
		}
		fileRoot, err := btrfsioctl.RootID(f)
		if err != nil || fileRoot != root {
			dlog.Warnf(ctx, "root %d path %q is in root %d: %v", root, p, fileRoot, err)
			countAdd("open_wrong_root", 1)
			f.Close()
			break
		}
		var rst unix.Stat_t
		if err := unix.Fstat(int(rootFd.Fd()), &rst); err == nil && rst.Dev != st.Dev {
			dlog.Warnf(ctx, "root %d path %q is on dev %d, wanted %d", root, p, st.Dev, rst.Dev)
			countAdd("open_wrong_dev", 1)
			f.Close()
			break
		}
		attr, err := btrfsioctl.GetFlags(f)
		if err != nil {
			dlog.Warnf(ctx, "getflags root %d path %q: %v", root, p, err)
			countAdd("open_fail_error", 1)
			f.Close()
			continue
		}
		// Nodatacow files cannot be deduped: the kernel rejects
		// shared extents on them.
		if attr&btrfsioctl.NocowFlag != 0 {
			dlog.Debugf(ctx, "root %d path %q is nodatacow", root, p)
			countAdd("open_wrong_flags", 1)
			f.Close()
			break
		}
		countAdd("open_hit", 1)
		return f
	}
	countAdd("open_no_path", 1)
	return nil
}
