// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"

	"github.com/iav/bees/lib/btrfsioctl"
	"github.com/iav/bees/lib/task"
	"github.com/iav/bees/lib/textui"
)

var (
	// DefaultTransidPollInterval is the floor on the transid
	// polling period (BEES_TRANSID_POLL_INTERVAL).
	DefaultTransidPollInterval = textui.Tunable(30 * time.Second)
	// DefaultWritebackInterval is the crawl state flush period
	// (BEES_WRITEBACK_INTERVAL).
	DefaultWritebackInterval = textui.Tunable(15 * time.Minute)

	rootFdCacheSize = textui.Tunable(1024)
	inoFdCacheSize  = textui.Tunable(16384)
)

// Roots is the crawl controller.  It owns the per-subvolume crawlers
// and the active scan scheduler, runs the transid watcher and state
// writeback workers, and resolves subvolume/inode ids into file
// descriptors.
type Roots struct {
	env   Context
	fetch Fetcher
	pool  *task.Pool

	// PollFloor and WritebackInterval may be set before Start.
	PollFloor         time.Duration
	WritebackInterval time.Duration

	// mu guards crawlMap and scanner.  Held briefly; never across
	// metadata I/O.
	mu       sync.Mutex
	crawlMap map[uint64]*Crawl
	scanner  scanMode

	// dirtyMu guards the state-file generation counters.
	dirtyMu sync.Mutex
	dirty   uint64
	clean   uint64

	transidRE           *RateEstimator
	workaroundBtrfsSend atomic.Bool

	tmpMu    sync.Mutex
	tmpfiles map[FileID]*os.File

	rootCache *lru.Cache[uint64, *os.File]
	inoCache  *lru.Cache[FileID, *os.File]

	cancel context.CancelFunc
	grp    *dgroup.Group

	crawlTimer time.Time
}

// NewRoots creates a controller.  The scan mode defaults to
// independent; call SetScanMode to change it before or after Start.
func NewRoots(env Context, fetch Fetcher, pool *task.Pool) *Roots {
	r := &Roots{
		env:               env,
		fetch:             fetch,
		pool:              pool,
		PollFloor:         DefaultTransidPollInterval,
		WritebackInterval: DefaultWritebackInterval,
		crawlMap:          make(map[uint64]*Crawl),
		tmpfiles:          make(map[FileID]*os.File),
		transidRE:         NewRateEstimator(10 * time.Minute),
		crawlTimer:        time.Now(),
	}
	var err error
	// Evicted FDs are closed.  In-flight users hold their own
	// references obtained before eviction was possible.
	r.rootCache, err = lru.NewWithEvict[uint64, *os.File](rootFdCacheSize, func(_ uint64, f *os.File) { f.Close() })
	if err != nil {
		panic(err)
	}
	r.inoCache, err = lru.NewWithEvict[FileID, *os.File](inoFdCacheSize, func(_ FileID, f *os.File) { f.Close() })
	if err != nil {
		panic(err)
	}
	r.scanner = &scanModeIndependent{scanModeBase: scanModeBase{roots: r}}
	return r
}

// SetScanMode atomically replaces the scheduler.
func (r *Roots) SetScanMode(ctx context.Context, mode Mode) {
	base := scanModeBase{roots: r}
	var scanner scanMode
	switch mode {
	case ModeLockstep:
		scanner = &scanModeLockstep{scanModeBase: base}
	case ModeIndependent:
		scanner = &scanModeIndependent{scanModeBase: base}
	case ModeSequential:
		scanner = &scanModeSequential{scanModeBase: base}
	case ModeRecent:
		scanner = &scanModeRecent{scanModeBase: base}
	default:
		panic(fmt.Errorf("bees: invalid scan mode %v", mode))
	}
	r.mu.Lock()
	r.scanner = scanner
	r.mu.Unlock()
	dlog.Infof(ctx, "Scan mode set to %v (%s)", mode, scanner.name())
}

// SetWorkaroundBtrfsSend makes read-only subvolumes invisible to the
// scanner (WORKAROUND_BTRFS_SEND).
func (r *Roots) SetWorkaroundBtrfsSend(ctx context.Context, doAvoid bool) {
	r.workaroundBtrfsSend.Store(doAvoid)
	if doAvoid {
		dlog.Infof(ctx, "WORKAROUND: btrfs send workaround enabled")
	} else {
		dlog.Infof(ctx, "btrfs send workaround disabled")
	}
}

func (r *Roots) markDirty() {
	r.dirtyMu.Lock()
	r.dirty++
	r.dirtyMu.Unlock()
}

// TransidMax returns the last sampled filesystem transid.
func (r *Roots) TransidMax() uint64 {
	return r.transidRE.Count()
}

// TransidMaxNocache reads the current transid from the filesystem:
// the transid of the extent tree's root item, a single O(1) metadata
// lookup.
func (r *Roots) TransidMaxNocache(ctx context.Context) (uint64, error) {
	item, err := r.fetch.RootItem(ctx, btrfsioctl.ExtentTreeObjectID)
	if err != nil {
		return 0, fmt.Errorf("transid_max: %w", err)
	}
	if item.Transid == 0 {
		return 0, errors.New("transid_max: transid is zero")
	}
	if item.Transid == math.MaxUint64 {
		return 0, errors.New("transid_max: transid is the max sentinel")
	}
	return item.Transid, nil
}

// TransidMin returns the smallest min_transid across all crawlers,
// skipping subvolumes isolated by the btrfs send workaround (they
// will not advance until the workaround is removed or they are set
// read-write).  Returns 0 when the crawl map is empty.
func (r *Roots) TransidMin(ctx context.Context) uint64 {
	r.mu.Lock()
	crawls := make(map[uint64]*Crawl, len(r.crawlMap))
	for root, crawl := range r.crawlMap {
		crawls[root] = crawl
	}
	r.mu.Unlock()

	if len(crawls) == 0 {
		return 0
	}
	rv := uint64(math.MaxUint64)
	const maxRV = uint64(math.MaxUint64)
	for root, crawl := range crawls {
		if !r.isRootRO(ctx, root) {
			if m := crawl.StateEnd().MinTransid; m < rv {
				rv = m
			}
		}
	}
	// If the loop never assigned, the caller would create broken
	// crawlers through integer overflow.  This is reachable when
	// every root is read-only under the send workaround; kept as
	// a hard failure matching the original, pending review.
	if maxRV <= rv {
		panic(fmt.Errorf("bees: transid_min never assigned (rv=%d)", rv))
	}
	return rv
}

// isRootRO reports whether the subvolume should be treated as
// read-only.  Without the send workaround all roots are read-write to
// us.  If the root item cannot be read, guess read-only.
func (r *Roots) isRootRO(ctx context.Context, root uint64) bool {
	if !r.workaroundBtrfsSend.Load() {
		return false
	}
	item, err := r.fetch.RootItem(ctx, root)
	if err != nil {
		return true
	}
	return item.ReadOnly()
}

// NextRoot returns the smallest subvolume id greater than root, or 0
// if none.  The filesystem tree has no backref key, so arguments
// below it yield it directly.
func (r *Roots) NextRoot(ctx context.Context, root uint64) (uint64, error) {
	if root < btrfsioctl.FSTreeObjectID {
		return btrfsioctl.FSTreeObjectID, nil
	}
	ref, ok, err := r.fetch.NextRootBackref(ctx, root+1)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return ref.RootID, nil
}

// insertRoot adds a crawler for the state's root if one does not
// exist, and clears the deferred flag either way.
func (r *Roots) insertRoot(ctx context.Context, st CrawlState) {
	r.mu.Lock()
	crawl, ok := r.crawlMap[st.Root]
	if !ok {
		crawl = newCrawl(r, st)
		r.crawlMap[st.Root] = crawl
	}
	r.mu.Unlock()
	if !ok {
		r.markDirty()
	}
	crawl.setDeferred(false)
}

// crawlStateErase removes the crawler for the state's root.  The last
// remaining crawler, and the crawler holding the highest max_transid,
// are never removed: the high-water mark seeds new crawlers.
func (r *Roots) crawlStateErase(ctx context.Context, st CrawlState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.crawlMap) < 2 {
		countAdd("crawl_no_empty", 1)
		return
	}
	target, ok := r.crawlMap[st.Root]
	if !ok {
		return
	}
	targetMax := target.StateEnd().MaxTransid
	anchor := true
	for root, crawl := range r.crawlMap {
		if root != st.Root && crawl.StateEnd().MaxTransid >= targetMax {
			anchor = false
			break
		}
	}
	if anchor {
		countAdd("crawl_keep_anchor", 1)
		return
	}
	delete(r.crawlMap, st.Root)
	r.dirtyMu.Lock()
	r.dirty++
	r.dirtyMu.Unlock()
}

// insertNewCrawl is the discovery pass: add crawlers for new
// subvolumes, remove crawlers for removed ones, and rebuild the
// scheduler's view.
func (r *Roots) insertNewCrawl(ctx context.Context) error {
	st := NewCrawlState()
	st.MinTransid = r.TransidMin(ctx)
	st.MaxTransid = r.TransidMax()

	r.mu.Lock()
	excess := make(map[uint64]struct{}, len(r.crawlMap))
	for root := range r.crawlMap {
		excess[root] = struct{}{}
	}
	r.mu.Unlock()

	// Avoid a wasted loop iteration by starting from the
	// filesystem tree.
	root := uint64(btrfsioctl.FSTreeObjectID)
	for root != 0 {
		delete(excess, root)
		st.Root = root
		r.insertRoot(ctx, st)
		countAdd("crawl_create", 1)
		var err error
		root, err = r.NextRoot(ctx, root)
		if err != nil {
			return fmt.Errorf("discovery: %w", err)
		}
	}

	excessRoots := maps.Keys(excess)
	slices.Sort(excessRoots)
	for _, root := range excessRoots {
		st.Root = root
		r.crawlStateErase(ctx, st)
	}

	r.mu.Lock()
	if r.scanner == nil {
		r.mu.Unlock()
		panic(errors.New("bees: discovery ran with no scanner"))
	}
	scanner := r.scanner
	// Work from a copy because crawlers might change the world
	// under us.
	snapshot := make(map[uint64]*Crawl, len(r.crawlMap))
	for root, crawl := range r.crawlMap {
		snapshot[root] = crawl
	}
	r.mu.Unlock()

	if len(snapshot) == 0 {
		dlog.Infof(ctx, "crawl map is empty!")
	}
	// Send an empty map to the scanner anyway, maybe we want it
	// to stop.
	scanner.nextTransid(ctx, snapshot)
	return nil
}

// sortedCrawls returns the map's crawlers in ascending root order,
// for deterministic scheduler views.
func sortedCrawls(crawlMap map[uint64]*Crawl) []*Crawl {
	roots := maps.Keys(crawlMap)
	slices.Sort(roots)
	crawls := make([]*Crawl, 0, len(roots))
	for _, root := range roots {
		crawls = append(crawls, crawlMap[root])
	}
	return crawls
}

// crawlBatch pops one extent from the crawler and spawns the task
// that walks the rest of that inode.  Returns false if the crawler is
// empty.
func (r *Roots) crawlBatch(ctx context.Context, crawl *Crawl) bool {
	thisState := crawl.StateEnd()
	fr, ok := crawl.PopFront(ctx)
	if !ok {
		return false
	}
	fc := &fileCrawl{
		roots:  r,
		crawl:  crawl,
		hold:   crawl.holdState(thisState),
		state:  thisState,
		offset: fr.Begin,
		ino:    fr.File.Ino,
	}
	title := fmt.Sprintf("crawl_%d_%d", fr.File.Root, fr.File.Ino)
	r.pool.NewTask(title, fc.run).Run()

	// Skip the crawler's own cursor to EOF so its next visit
	// moves to the next inode.  Repeats up to 16 times if there
	// happens to be an extent at 16EB, which would be a neat
	// trick given that file offsets are signed.
	next := thisState
	if eof := uint64(math.MaxUint64) - 65535; next.Offset < eof {
		next.Offset = eof
	}
	crawl.setState(next)
	countAdd("crawl_scan", 1)
	return true
}

// crawlRoots dispatches one batch through the active scheduler.
// Returns false when every crawler has run dry.
func (r *Roots) crawlRoots(ctx context.Context) bool {
	r.mu.Lock()
	scanner := r.scanner
	r.mu.Unlock()
	if scanner == nil {
		panic(errors.New("bees: crawlRoots ran with no scanner"))
	}

	if scanner.scan(ctx) {
		return true
	}
	countAdd("crawl_done", 1)
	ranOut := time.Since(r.crawlTimer)
	r.crawlTimer = time.Now()
	dlog.Infof(ctx, "crawl_more ran out of data after %v", ranOut)
	return false
}

// clearCaches drops all cached FDs.  Open directory FDs prevent
// snapshot deletion: the cleaner thread just keeps skipping over the
// open dir and all its children.
func (r *Roots) clearCaches() {
	r.rootCache.Purge()
	r.inoCache.Purge()
}

// Start launches the transid watcher and writeback workers.
func (r *Roots) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.grp = dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	r.grp.Go("crawl_transid", r.crawlTransidWorker)
	r.grp.Go("crawl_writeback", r.writebackWorker)
}

// StopRequest signals both workers to exit.
func (r *Roots) StopRequest() {
	if r.cancel != nil {
		r.cancel()
	}
}

// StopWait blocks until both workers have exited.  The writeback
// worker performs a final state save on its way out, so in-flight
// progress survives; drain the task pool only after StopWait
// returns.
func (r *Roots) StopWait() error {
	if r.grp == nil {
		return nil
	}
	return r.grp.Wait()
}

// crawlTransidWorker polls the filesystem transid and, on every
// change, invalidates caches and kicks discovery + crawling.
// Discovery runs on a worker task rather than inline so the watcher
// stays responsive.
func (r *Roots) crawlTransidWorker(ctx context.Context) error {
	// Measure the current transid before creating any crawlers.
	if tm, err := r.TransidMaxNocache(ctx); err != nil {
		dlog.Warnf(ctx, "initial transid measurement failed: %v", err)
	} else {
		r.transidRE.Update(tm)
	}
	// Make sure we have a full complement of crawlers.
	if err := r.StateLoad(ctx); err != nil {
		dlog.Infof(ctx, "no previous crawl state: %v", err)
	}

	crawlMore := r.pool.NewTask("crawl_more", func(ctx context.Context) {
		if r.crawlRoots(ctx) {
			task.Current(ctx).Run()
		}
	})
	crawlNew := r.pool.NewTask("crawl_new", func(ctx context.Context) {
		if err := r.insertNewCrawl(ctx); err != nil {
			dlog.Warnf(ctx, "%v", err)
		}
		crawlMore.Run()
	})

	var lastTransid uint64
	for {
		if tm, err := r.TransidMaxNocache(ctx); err != nil {
			dlog.Warnf(ctx, "measuring transid: %v", err)
		} else {
			r.transidRE.Update(tm)
		}
		newTransid := r.transidRE.Count()
		if newTransid != lastTransid {
			r.clearCaches()
			crawlNew.Run()
		}
		lastTransid = newTransid

		pollTime := r.PollFloor
		if est := r.transidRE.SecondsFor(1); est > pollTime {
			pollTime = est
		}
		dlog.Debugf(ctx, "polling %v for next transid (%v)", pollTime, r.transidRE)
		select {
		case <-ctx.Done():
			dlog.Debugf(ctx, "stop requested in crawl thread")
			return nil
		case <-time.After(pollTime):
		}
	}
}

// writebackWorker periodically flushes crawl state, and once more at
// shutdown.
func (r *Roots) writebackWorker(ctx context.Context) error {
	for {
		if err := r.StateSave(ctx); err != nil {
			dlog.Errorf(ctx, "%v", err)
		}
		select {
		case <-ctx.Done():
			dlog.Debugf(ctx, "stop requested in writeback thread")
			if err := r.StateSave(ctx); err != nil {
				dlog.Errorf(ctx, "final state save failed: %v", err)
			}
			return nil
		case <-time.After(r.WritebackInterval):
		}
	}
}

// fileIDOf identifies an open file by (root, inode).
func fileIDOf(f *os.File) (FileID, error) {
	root, err := btrfsioctl.RootID(f)
	if err != nil {
		return FileID{}, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return FileID{}, fmt.Errorf("fstat: %w", err)
	}
	return FileID{Root: root, Ino: st.Ino}, nil
}

// InsertTmpfile registers a staged rewrite file so that inode lookups
// for it bypass path resolution.  Duplicate registration is a bug.
func (r *Roots) InsertTmpfile(f *os.File) error {
	fid, err := fileIDOf(f)
	if err != nil {
		return fmt.Errorf("insert tmpfile: %w", err)
	}
	r.insertTmpfile(fid, f)
	return nil
}

func (r *Roots) insertTmpfile(fid FileID, f *os.File) {
	r.tmpMu.Lock()
	defer r.tmpMu.Unlock()
	if _, dup := r.tmpfiles[fid]; dup {
		panic(fmt.Errorf("bees: tmpfile %+v registered twice", fid))
	}
	r.tmpfiles[fid] = f
}

// EraseTmpfile removes a registration made by InsertTmpfile.
// Removing an unregistered file is a bug.
func (r *Roots) EraseTmpfile(f *os.File) error {
	fid, err := fileIDOf(f)
	if err != nil {
		return fmt.Errorf("erase tmpfile: %w", err)
	}
	r.eraseTmpfile(fid)
	return nil
}

func (r *Roots) eraseTmpfile(fid FileID) {
	r.tmpMu.Lock()
	defer r.tmpMu.Unlock()
	if _, ok := r.tmpfiles[fid]; !ok {
		panic(fmt.Errorf("bees: tmpfile %+v erased but never registered", fid))
	}
	delete(r.tmpfiles, fid)
}

func (r *Roots) lookupTmpfile(fid FileID) (*os.File, bool) {
	r.tmpMu.Lock()
	defer r.tmpMu.Unlock()
	f, ok := r.tmpfiles[fid]
	return f, ok
}
