// SPDX-License-Identifier: GPL-2.0-or-later

// Command beesd runs the crawl subsystem of the deduplication daemon
// against a mounted btrfs filesystem: it discovers subvolumes, walks
// new extents as transids advance, and persists its cursors in
// BEESHOME.  Candidate extents are handed to the scan stage, which
// here just logs them.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/iav/bees/lib/bees"
	"github.com/iav/bees/lib/btrfsioctl"
	"github.com/iav/bees/lib/task"
	"github.com/iav/bees/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}

	argparser := &cobra.Command{
		Use:   "beesd [flags] FSROOT",
		Short: "Crawl a btrfs filesystem for deduplication candidates",
		Args:  cobra.ExactArgs(1),

		SilenceErrors: true,
		SilenceUsage:  true,
	}
	argparser.Flags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.Flags().String("home", "", "directory for persistent state (default FSROOT/.beeshome)")
	argparser.Flags().Int("workers", runtime.GOMAXPROCS(0), "number of crawl worker threads")
	argparser.Flags().String("scan-mode", "independent", "subvol scan order: lockstep, independent, sequential, or recent")
	argparser.Flags().Bool("workaround-btrfs-send", false, "do not scan read-only subvols, to avoid btrfs send corruption")
	argparser.Flags().Duration("transid-poll-interval", bees.DefaultTransidPollInterval, "floor on the transid polling period")
	argparser.Flags().Duration("writeback-interval", bees.DefaultWritebackInterval, "crawl state flush period")

	// Environment settings carried over from the shell-script
	// wrapper config files.
	cfg := viper.New()
	for flagName, envName := range map[string]string{
		"home":                  "BEESHOME",
		"workers":               "BEES_WORKER_THREADS",
		"scan-mode":             "SCAN_MODE",
		"workaround-btrfs-send": "WORKAROUND_BTRFS_SEND",
		"transid-poll-interval": "BEES_TRANSID_POLL_INTERVAL",
		"writeback-interval":    "BEES_WRITEBACK_INTERVAL",
	} {
		if err := cfg.BindEnv(flagName, envName); err != nil {
			panic(err)
		}
	}
	if err := cfg.BindPFlags(argparser.Flags()); err != nil {
		panic(err)
	}

	argparser.RunE = func(cmd *cobra.Command, args []string) error {
		logger := logrus.New()
		logger.SetLevel(logrusLevel(logLevelFlag.Level))
		backend := dlog.WrapLogrus(logger)
		ctx := dlog.WithLogger(cmd.Context(), backend)
		dlog.SetFallbackLogger(backend.WithField("beesd.THIS_IS_A_BUG", true))

		return run(ctx, args[0], cfg)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func logrusLevel(lvl dlog.LogLevel) logrus.Level {
	switch lvl {
	case dlog.LogLevelError:
		return logrus.ErrorLevel
	case dlog.LogLevelWarn:
		return logrus.WarnLevel
	case dlog.LogLevelInfo:
		return logrus.InfoLevel
	case dlog.LogLevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

func run(ctx context.Context, fsRoot string, cfg *viper.Viper) error {
	scanMode, err := bees.ParseMode(cfg.GetString("scan-mode"))
	if err != nil {
		return err
	}

	rootFd, err := os.OpenFile(fsRoot, os.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("open filesystem root: %w", err)
	}
	defer rootFd.Close()

	homePath := cfg.GetString("home")
	if homePath == "" {
		homePath = fsRoot + "/.beeshome"
	}
	homeFd, err := os.OpenFile(homePath, os.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("open home: %w", err)
	}
	defer homeFd.Close()
	if homeRoot, err := btrfsioctl.RootID(homeFd); err != nil {
		return fmt.Errorf("home is not on btrfs: %w", err)
	} else {
		dlog.Infof(ctx, "using %s (root %d) for persistent state", homePath, homeRoot)
	}

	env := &daemonContext{rootFd: rootFd, homeFd: homeFd}
	pool := task.NewPool(cfg.GetInt("workers"))
	roots := bees.NewRoots(env, btrfsioctl.NewTrees(rootFd), pool)
	roots.PollFloor = cfg.GetDuration("transid-poll-interval")
	roots.WritebackInterval = cfg.GetDuration("writeback-interval")
	roots.SetScanMode(ctx, scanMode)
	roots.SetWorkaroundBtrfsSend(ctx, cfg.GetBool("workaround-btrfs-send"))

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	grp.Go("main", func(ctx context.Context) error {
		pool.Start(ctx)
		roots.Start(ctx)
		<-ctx.Done()
		dlog.Infof(ctx, "shutting down")
		roots.StopRequest()
		err := roots.StopWait()
		pool.Wait()
		dlog.Infof(ctx, "counters at exit: %s", bees.CountString())
		return err
	})
	return grp.Wait()
}

// daemonContext supplies the crawl subsystem's collaborators.  The
// scan stage here only reports candidates; the hash table and dedupe
// engine attach through the same interface.
type daemonContext struct {
	rootFd *os.File
	homeFd *os.File

	blMu      sync.Mutex
	blacklist map[bees.FileID]struct{}

	lockMu     sync.Mutex
	inodeLocks map[uint64]*task.TryMutex
}

var _ bees.Context = (*daemonContext)(nil)

func (d *daemonContext) RootFd() *os.File { return d.rootFd }
func (d *daemonContext) HomeFd() *os.File { return d.homeFd }

func (d *daemonContext) ScanForward(ctx context.Context, fr bees.FileRange) (bool, error) {
	dlog.Infof(ctx, "scan candidate root %d ino %d bytes %d..%d",
		fr.File.Root, fr.File.Ino, fr.Begin, fr.End)
	return false, nil
}

func (d *daemonContext) Blacklist(id bees.FileID) {
	d.blMu.Lock()
	if d.blacklist == nil {
		d.blacklist = make(map[bees.FileID]struct{})
	}
	d.blacklist[id] = struct{}{}
	d.blMu.Unlock()
}

func (d *daemonContext) IsBlacklisted(id bees.FileID) bool {
	d.blMu.Lock()
	defer d.blMu.Unlock()
	_, ok := d.blacklist[id]
	return ok
}

func (d *daemonContext) InodeMutex(ino uint64) *task.TryMutex {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()
	if d.inodeLocks == nil {
		d.inodeLocks = make(map[uint64]*task.TryMutex)
	}
	m, ok := d.inodeLocks[ino]
	if !ok {
		m = new(task.TryMutex)
		d.inodeLocks[ino] = m
	}
	return m
}
