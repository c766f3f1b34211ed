// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iav/bees/lib/btrfsioctl"
	"github.com/iav/bees/lib/task"
)

// fakeFetcher is an in-memory metadata tree.  It does not filter on
// transid: the kernel's transid filter works on whole metadata pages
// and may return extra items anyway, so callers must tolerate a
// superset.
type fakeFetcher struct {
	mu        sync.Mutex
	rootInfos map[uint64]btrfsioctl.RootInfo
	backrefs  []btrfsioctl.RootBackref
	// extents per root, sorted by (ObjectID, Offset)
	extents map[uint64][]btrfsioctl.ExtentItem
}

var _ Fetcher = (*fakeFetcher)(nil)

func (f *fakeFetcher) RootItem(_ context.Context, objectID uint64) (btrfsioctl.RootInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ri, ok := f.rootInfos[objectID]; ok {
		return ri, nil
	}
	return btrfsioctl.RootInfo{}, btrfsioctl.ErrNotFound
}

func (f *fakeFetcher) NextRootBackref(_ context.Context, minRoot uint64) (btrfsioctl.RootBackref, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range f.backrefs {
		if ref.RootID >= minRoot {
			return ref, true, nil
		}
	}
	return btrfsioctl.RootBackref{}, false, nil
}

func (f *fakeFetcher) RootBackref(_ context.Context, rootID uint64) (btrfsioctl.RootBackref, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ref := range f.backrefs {
		if ref.RootID == rootID {
			return ref, true, nil
		}
	}
	return btrfsioctl.RootBackref{}, false, nil
}

func (f *fakeFetcher) NextExtentItem(_ context.Context, root, minObjectID, _ uint64) (btrfsioctl.ExtentItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ei := range f.extents[root] {
		if ei.ObjectID >= minObjectID {
			return ei, true, nil
		}
	}
	return btrfsioctl.ExtentItem{}, false, nil
}

func (f *fakeFetcher) NextFileExtent(_ context.Context, root, ino, minOffset, _ uint64) (btrfsioctl.ExtentItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ei := range f.extents[root] {
		if ei.ObjectID == ino && ei.Offset >= minOffset {
			return ei, true, nil
		}
	}
	return btrfsioctl.ExtentItem{}, false, nil
}

func (f *fakeFetcher) setTransid(transid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ri := f.rootInfos[btrfsioctl.ExtentTreeObjectID]
	ri.Transid = transid
	f.rootInfos[btrfsioctl.ExtentTreeObjectID] = ri
}

func (f *fakeFetcher) dropBackref(rootID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.backrefs[:0]
	for _, ref := range f.backrefs {
		if ref.RootID != rootID {
			out = append(out, ref)
		}
	}
	f.backrefs = out
}

func newFakeFetcher(transid uint64) *fakeFetcher {
	return &fakeFetcher{
		rootInfos: map[uint64]btrfsioctl.RootInfo{
			btrfsioctl.ExtentTreeObjectID: {ObjectID: btrfsioctl.ExtentTreeObjectID, Transid: transid},
			btrfsioctl.FSTreeObjectID:     {ObjectID: btrfsioctl.FSTreeObjectID},
		},
		extents: make(map[uint64][]btrfsioctl.ExtentItem),
	}
}

func (f *fakeFetcher) addSubvol(rootID, parentID, dirID uint64, name string, flags uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rootInfos[rootID] = btrfsioctl.RootInfo{ObjectID: rootID, Flags: flags}
	f.backrefs = append(f.backrefs, btrfsioctl.RootBackref{
		RootID: rootID, ParentID: parentID, DirID: dirID, Name: name,
	})
}

func (f *fakeFetcher) addExtent(root uint64, ei btrfsioctl.ExtentItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extents[root] = append(f.extents[root], ei)
}

// fakeEnv records everything handed to the scan stage.
type fakeEnv struct {
	home *os.File

	mu        sync.Mutex
	scanned   []FileRange
	scanAgain bool
	onScan    func(FileRange)
	blacklist map[FileID]bool

	lockMu sync.Mutex
	locks  map[uint64]*task.TryMutex
}

var _ Context = (*fakeEnv)(nil)

func (e *fakeEnv) RootFd() *os.File { return nil }
func (e *fakeEnv) HomeFd() *os.File { return e.home }

func (e *fakeEnv) ScanForward(_ context.Context, fr FileRange) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanned = append(e.scanned, fr)
	if e.onScan != nil {
		e.onScan(fr)
	}
	return e.scanAgain, nil
}

func (e *fakeEnv) scannedRanges() []FileRange {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FileRange, len(e.scanned))
	copy(out, e.scanned)
	return out
}

func (e *fakeEnv) IsBlacklisted(id FileID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blacklist[id]
}

func (e *fakeEnv) InodeMutex(ino uint64) *task.TryMutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if e.locks == nil {
		e.locks = make(map[uint64]*task.TryMutex)
	}
	m, ok := e.locks[ino]
	if !ok {
		m = new(task.TryMutex)
		e.locks[ino] = m
	}
	return m
}

func regExtent(ino, offset, gen, length uint64) btrfsioctl.ExtentItem {
	return btrfsioctl.ExtentItem{
		ObjectID:     ino,
		Offset:       offset,
		Generation:   gen,
		Type:         btrfsioctl.FileExtentReg,
		Bytenr:       0x100000 + offset,
		LogicalBytes: length,
	}
}

func testRoots(t *testing.T, fetch *fakeFetcher, env *fakeEnv) (context.Context, context.CancelFunc, *Roots, *task.Pool) {
	ctx := dlog.NewTestContext(t, false)
	ctx, cancel := context.WithCancel(ctx)
	pool := task.NewPool(2)
	pool.Start(ctx)
	r := NewRoots(env, fetch, pool)
	return ctx, cancel, r, pool
}

func crawlMapRoots(r *Roots) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := make([]uint64, 0, len(r.crawlMap))
	for root := range r.crawlMap {
		roots = append(roots, root)
	}
	return roots
}

func TestDiscoveryColdStart(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addSubvol(256, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "snap1", 0)
	fetch.addSubvol(257, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "snap2", 0)
	env := &fakeEnv{}
	ctx, cancel, r, _ := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))

	assert.ElementsMatch(t, []uint64{btrfsioctl.FSTreeObjectID, 256, 257}, crawlMapRoots(r))

	// A crawler that has never run covers everything up to the
	// current transid.
	r.mu.Lock()
	for root, crawl := range r.crawlMap {
		st := crawl.StateEnd()
		assert.Equal(t, uint64(0), st.MinTransid, "root %d", root)
		assert.Equal(t, uint64(100), st.MaxTransid, "root %d", root)
	}
	r.mu.Unlock()

	// Re-running discovery changes nothing.
	require.NoError(t, r.insertNewCrawl(ctx))
	assert.ElementsMatch(t, []uint64{btrfsioctl.FSTreeObjectID, 256, 257}, crawlMapRoots(r))
}

func TestDiscoveryRemovesVanishedSubvols(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addSubvol(256, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "snap1", 0)
	fetch.addSubvol(257, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "snap2", 0)
	env := &fakeEnv{}
	ctx, cancel, r, _ := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))
	require.Len(t, crawlMapRoots(r), 3)

	fetch.dropBackref(257)
	require.NoError(t, r.insertNewCrawl(ctx))
	assert.ElementsMatch(t, []uint64{btrfsioctl.FSTreeObjectID, 256}, crawlMapRoots(r))
}

func TestDiscoveryKeepsAnchor(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addSubvol(256, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "snap1", 0)
	env := &fakeEnv{}
	ctx, cancel, r, _ := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))

	// Push root 256 ahead of the others; it now holds the
	// high-water mark.
	r.mu.Lock()
	crawl := r.crawlMap[256]
	r.mu.Unlock()
	st := crawl.StateEnd()
	st.MinTransid = 100
	st.MaxTransid = 200
	crawl.setState(st)

	before := CountGet("crawl_keep_anchor")
	fetch.dropBackref(256)
	require.NoError(t, r.insertNewCrawl(ctx))

	assert.Contains(t, crawlMapRoots(r), uint64(256),
		"the cursor holding the highest max_transid must survive subvol deletion")
	assert.Equal(t, before+1, CountGet("crawl_keep_anchor"))
}

func TestTransidMinSkipsReadOnlyRoots(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addSubvol(256, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "rw", 0)
	fetch.addSubvol(257, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "ro", btrfsioctl.RootSubvolRdonly)
	env := &fakeEnv{}
	ctx, cancel, r, _ := testRoots(t, fetch, env)
	defer cancel()

	assert.Equal(t, uint64(0), r.TransidMin(ctx), "empty crawl map")

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))

	// Age the read-only root's cursor far behind.
	r.mu.Lock()
	for root, want := range map[uint64]uint64{btrfsioctl.FSTreeObjectID: 90, 256: 80, 257: 10} {
		crawl := r.crawlMap[root]
		st := crawl.StateEnd()
		st.MinTransid = want
		st.MaxTransid = 100
		crawl.setState(st)
	}
	r.mu.Unlock()

	assert.Equal(t, uint64(10), r.TransidMin(ctx),
		"without the workaround, RO roots count")

	r.SetWorkaroundBtrfsSend(ctx, true)
	assert.Equal(t, uint64(80), r.TransidMin(ctx),
		"with the workaround, the stalled RO cursor must not drag the global floor down")
}

func TestTransidMinAllReadOnlyPanics(t *testing.T) {
	fetch := newFakeFetcher(100)
	env := &fakeEnv{}
	ctx, cancel, r, _ := testRoots(t, fetch, env)
	defer cancel()

	// Only the FS tree exists and even it reads as RO.
	fetch.mu.Lock()
	fetch.rootInfos[btrfsioctl.FSTreeObjectID] = btrfsioctl.RootInfo{
		ObjectID: btrfsioctl.FSTreeObjectID,
		Flags:    btrfsioctl.RootSubvolRdonly,
	}
	fetch.mu.Unlock()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))
	r.SetWorkaroundBtrfsSend(ctx, true)

	require.Panics(t, func() { r.TransidMin(ctx) })
}

func TestCrawlDispatchesExtentsToScanner(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 0, 50, 4096))
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 8192, 50, 4096))
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(258, 0, 60, 8192))
	env := &fakeEnv{}
	ctx, cancel, r, pool := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))

	for r.crawlRoots(ctx) {
	}
	pool.Quiesce()

	want := []FileRange{
		{File: FileID{Root: btrfsioctl.FSTreeObjectID, Ino: 257}, Begin: 0, End: 4096},
		{File: FileID{Root: btrfsioctl.FSTreeObjectID, Ino: 257}, Begin: 8192, End: 12288},
		{File: FileID{Root: btrfsioctl.FSTreeObjectID, Ino: 258}, Begin: 0, End: 8192},
	}
	assert.ElementsMatch(t, want, env.scannedRanges())

	// The window is exhausted: the crawler parks until the next
	// transid.
	r.mu.Lock()
	crawl := r.crawlMap[btrfsioctl.FSTreeObjectID]
	r.mu.Unlock()
	assert.True(t, crawl.isDeferred())
}

func TestCrawlGenerationWindow(t *testing.T) {
	fetch := newFakeFetcher(100)
	// One extent below the transid window, one inside, one above.
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 0, 50, 4096))
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 4096, 70, 4096))
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 8192, 150, 4096))
	env := &fakeEnv{}
	ctx, cancel, r, pool := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	st := NewCrawlState()
	st.Root = btrfsioctl.FSTreeObjectID
	st.MinTransid = 60
	st.MaxTransid = 100
	r.insertRoot(ctx, st)
	require.NoError(t, r.insertNewCrawl(ctx))

	genLow := CountGet("crawl_gen_low")
	genHigh := CountGet("crawl_gen_high")
	for r.crawlRoots(ctx) {
	}
	pool.Quiesce()

	want := []FileRange{
		{File: FileID{Root: btrfsioctl.FSTreeObjectID, Ino: 257}, Begin: 4096, End: 8192},
	}
	assert.Equal(t, want, env.scannedRanges(),
		"only extents whose generation falls inside the transid window get scanned")
	assert.Equal(t, genLow+1, CountGet("crawl_gen_low"))
	assert.Equal(t, genHigh+1, CountGet("crawl_gen_high"))
}

func TestCrawlResumesOnTransidAdvance(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 0, 50, 4096))
	env := &fakeEnv{}
	ctx, cancel, r, pool := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))
	for r.crawlRoots(ctx) {
	}
	pool.Quiesce()
	require.Len(t, env.scannedRanges(), 1)

	// The filesystem commits; new data appears.
	fetch.setTransid(120)
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(300, 0, 110, 4096))
	r.transidRE.Update(120)
	require.NoError(t, r.insertNewCrawl(ctx))

	for r.crawlRoots(ctx) {
	}
	pool.Quiesce()

	r.mu.Lock()
	crawl := r.crawlMap[btrfsioctl.FSTreeObjectID]
	r.mu.Unlock()
	st := crawl.StateEnd()
	assert.Equal(t, uint64(100), st.MinTransid, "new window starts at the old high edge")
	assert.Equal(t, uint64(120), st.MaxTransid)

	ranges := env.scannedRanges()
	require.Len(t, ranges, 2)
	assert.Equal(t, FileRange{File: FileID{Root: btrfsioctl.FSTreeObjectID, Ino: 300}, Begin: 0, End: 4096}, ranges[1],
		"the old extent (gen 50 < new window) is not rescanned")
}

func TestCrawlSkipsBlacklistedAndHoles(t *testing.T) {
	fetch := newFakeFetcher(100)
	hole := regExtent(257, 0, 50, 4096)
	hole.Bytenr = 0
	fetch.addExtent(btrfsioctl.FSTreeObjectID, hole)
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(258, 0, 50, 4096))
	env := &fakeEnv{
		blacklist: map[FileID]bool{{Root: btrfsioctl.FSTreeObjectID, Ino: 258}: true},
	}
	ctx, cancel, r, pool := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))
	holes := CountGet("crawl_hole")
	blacklisted := CountGet("crawl_blacklisted")
	for r.crawlRoots(ctx) {
	}
	pool.Quiesce()

	assert.Empty(t, env.scannedRanges())
	assert.Equal(t, holes+1, CountGet("crawl_hole"))
	assert.Equal(t, blacklisted+1, CountGet("crawl_blacklisted"))
}

func TestReadOnlyRootTracksTransidWithoutScanning(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addSubvol(256, btrfsioctl.FSTreeObjectID, btrfsioctl.FirstFreeObjectID, "ro", btrfsioctl.RootSubvolRdonly)
	fetch.addExtent(256, regExtent(257, 0, 50, 4096))
	env := &fakeEnv{}
	ctx, cancel, r, pool := testRoots(t, fetch, env)
	defer cancel()

	r.SetWorkaroundBtrfsSend(ctx, true)
	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))

	for r.crawlRoots(ctx) {
	}
	pool.Quiesce()

	for _, fr := range env.scannedRanges() {
		assert.NotEqual(t, uint64(256), fr.File.Root,
			"read-only subvol must not be scanned under the send workaround")
	}

	// Its max_transid keeps up anyway, so flipping it read-write
	// later does not rescan from transid zero.
	r.mu.Lock()
	crawl := r.crawlMap[256]
	r.mu.Unlock()
	assert.Equal(t, uint64(100), crawl.StateEnd().MaxTransid)
	assert.True(t, crawl.isDeferred())
}

func TestTmpfileRegistry(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	env := &fakeEnv{}
	r := NewRoots(env, newFakeFetcher(100), nil)

	f, err := os.CreateTemp(t.TempDir(), "rewrite")
	require.NoError(t, err)
	defer f.Close()

	fid := FileID{Root: 5, Ino: 257}
	r.insertTmpfile(fid, f)
	got, ok := r.lookupTmpfile(fid)
	require.True(t, ok)
	assert.Same(t, f, got)

	// Inode lookups resolve registered rewrite files without
	// touching the filesystem.
	hits := CountGet("open_tmpfile")
	assert.Same(t, f, r.OpenRootIno(ctx, 5, 257))
	assert.Equal(t, hits+1, CountGet("open_tmpfile"))

	// The registry is keyed uniquely; both misuses are bugs, not
	// errors.
	assert.Panics(t, func() { r.insertTmpfile(fid, f) })

	r.eraseTmpfile(fid)
	_, ok = r.lookupTmpfile(fid)
	assert.False(t, ok)
	assert.Panics(t, func() { r.eraseTmpfile(fid) })
}

func TestCrawlBatchParksCursorAtEOF(t *testing.T) {
	fetch := newFakeFetcher(100)
	fetch.addExtent(btrfsioctl.FSTreeObjectID, regExtent(257, 0, 50, 4096))
	env := &fakeEnv{}
	ctx, cancel, r, pool := testRoots(t, fetch, env)
	defer cancel()

	r.transidRE.Update(100)
	require.NoError(t, r.insertNewCrawl(ctx))
	r.mu.Lock()
	crawl := r.crawlMap[btrfsioctl.FSTreeObjectID]
	r.mu.Unlock()

	require.True(t, r.crawlBatch(ctx, crawl))
	pool.Quiesce()

	// The batch cursor jumps to near the top of the offset space
	// so the crawler's next fetch moves to the next inode.
	assert.GreaterOrEqual(t, crawl.StateEnd().Offset, uint64(math.MaxUint64)-65535)
}
