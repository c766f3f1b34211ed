// SPDX-License-Identifier: GPL-2.0-or-later

package bees

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"
)

// crawlStateFilename is the persistent cursor file, one crawler per
// line.  A legacy filename included the filesystem UUID; that was
// removed in 2016.
const crawlStateFilename = "beescrawl.dat"

// parseStateLine parses one `key value` pair line of beescrawl.dat.
// Values are unsigned 64-bit integers; both the hex form written by
// old C++ implementations ("0x...") and plain decimal are accepted.
// The human-readable start_ts field is ignored.
func parseStateLine(line string) (CrawlState, error) {
	words := strings.Fields(line)
	if len(words)%2 != 0 {
		return CrawlState{}, fmt.Errorf("state line has odd word count %d", len(words))
	}
	d := make(map[string]uint64, len(words)/2)
	for i := 0; i < len(words); i += 2 {
		key, valStr := words[i], words[i+1]
		if key == "start_ts" {
			continue
		}
		val, err := strconv.ParseUint(valStr, 0, 64)
		if err != nil {
			return CrawlState{}, fmt.Errorf("state key %q: %w", key, err)
		}
		if _, dup := d[key]; dup {
			return CrawlState{}, fmt.Errorf("state key %q appears twice", key)
		}
		d[key] = val
	}

	get := func(keys ...string) (uint64, error) {
		for _, key := range keys {
			if val, ok := d[key]; ok {
				return val, nil
			}
		}
		return 0, fmt.Errorf("state line lacks %q", keys[0])
	}

	var st CrawlState
	var err error
	if st.Root, err = get("root"); err != nil {
		return CrawlState{}, err
	}
	if st.ObjectID, err = get("objectid"); err != nil {
		return CrawlState{}, err
	}
	if st.Offset, err = get("offset"); err != nil {
		return CrawlState{}, err
	}
	// gen_current/gen_next are the historical names of the transid
	// window fields; accept them on read for rollback
	// compatibility.
	if st.MinTransid, err = get("min_transid", "gen_current"); err != nil {
		return CrawlState{}, err
	}
	if st.MaxTransid, err = get("max_transid", "gen_next"); err != nil {
		return CrawlState{}, err
	}
	if started, ok := d["started"]; ok {
		st.Started = int64(started)
	}
	return st, nil
}

func formatStateLine(st CrawlState) string {
	return fmt.Sprintf("root %d objectid %d offset %d min_transid %d max_transid %d started %d start_ts %s",
		st.Root, st.ObjectID, st.Offset, st.MinTransid, st.MaxTransid, st.Started, formatTime(st.Started))
}

// StateLoad reads beescrawl.dat from the home directory and inserts a
// crawler for every valid line.  A transid field stuck at the u64
// sentinel is corruption; it is repaired and counted, not fatal.
func (r *Roots) StateLoad(ctx context.Context) error {
	dlog.Infof(ctx, "loading crawl state")

	fd, err := unix.Openat(int(r.env.HomeFd().Fd()), crawlStateFilename, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", crawlStateFilename, err)
	}
	f := os.NewFile(uintptr(fd), crawlStateFilename)
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", crawlStateFilename, err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		dlog.Debugf(ctx, "read line: %q", line)
		st, err := parseStateLine(line)
		if err != nil {
			dlog.Warnf(ctx, "skipping state line %q: %v", line, err)
			continue
		}
		if st.MinTransid == math.MaxUint64 {
			dlog.Warnf(ctx, "root %d: bad min_transid %d, resetting to 0", st.Root, st.MinTransid)
			st.MinTransid = 0
			countAdd("bug_bad_min_transid", 1)
		}
		if st.MaxTransid == math.MaxUint64 {
			dlog.Warnf(ctx, "root %d: bad max_transid %d, resetting to %d", st.Root, st.MaxTransid, st.MinTransid)
			st.MaxTransid = st.MinTransid
			countAdd("bug_bad_max_transid", 1)
		}
		dlog.Debugf(ctx, "loaded state %v", st)
		r.insertRoot(ctx, st)
	}
	return nil
}

// stateSnapshot renders the persistable state of every crawler, in
// root order.  Crawlers that have never seen a transid window
// (max_transid zero) are omitted.
func (r *Roots) stateSnapshot() string {
	r.mu.Lock()
	crawls := make([]*Crawl, 0, len(r.crawlMap))
	for _, crawl := range r.crawlMap {
		crawls = append(crawls, crawl)
	}
	r.mu.Unlock()

	states := make([]CrawlState, 0, len(crawls))
	for _, crawl := range crawls {
		if st := crawl.StateBegin(); st.MaxTransid != 0 {
			states = append(states, st)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Root < states[j].Root })

	var sb strings.Builder
	for _, st := range states {
		sb.WriteString(formatStateLine(st))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// StateSave flushes cursor state to beescrawl.dat if anything changed
// since the last successful save.  The file is replaced atomically:
// write to a temp name, fsync, rename.
func (r *Roots) StateSave(ctx context.Context) error {
	start := time.Now()

	r.dirtyMu.Lock()
	if r.clean == r.dirty {
		r.dirtyMu.Unlock()
		dlog.Debugf(ctx, "nothing to save")
		return nil
	}
	saved := r.dirty
	r.dirtyMu.Unlock()

	text := r.stateSnapshot()
	if text == "" {
		// Don't truncate a live state file just because the
		// crawl map is momentarily empty.
		dlog.Warnf(ctx, "crawl state empty!")
		r.dirtyMu.Lock()
		r.clean = saved
		r.dirtyMu.Unlock()
		return nil
	}

	dlog.Infof(ctx, "saving crawl state")
	if err := writeFileAt(r.env.HomeFd(), crawlStateFilename, []byte(text)); err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}

	// Record the version we saved, which is not necessarily the
	// current one.
	r.dirtyMu.Lock()
	r.clean = saved
	r.dirtyMu.Unlock()
	dlog.Infof(ctx, "saved crawl state in %v", time.Since(start))
	return nil
}

// writeFileAt atomically replaces name (relative to dir) with data.
func writeFileAt(dir *os.File, name string, data []byte) error {
	tmpName := name + ".tmp"
	dirFd := int(dir.Fd())
	fd, err := unix.Openat(dirFd, tmpName, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpName, err)
	}
	f := os.NewFile(uintptr(fd), tmpName)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", tmpName, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := unix.Renameat(dirFd, tmpName, dirFd, name); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, name, err)
	}
	return nil
}
