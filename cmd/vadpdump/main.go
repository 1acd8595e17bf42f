// Command vadpdump exchanges VM disk contents with a backup orchestrator
// as a framed stream on stdin/stdout. It is a single-shot child process:
// one dump, restore or show per invocation, diagnostics on stderr only.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/backend/filedisk"
	"github.com/vadpdump/vadpdump/internal/config"
	"github.com/vadpdump/vadpdump/internal/session"
	"github.com/vadpdump/vadpdump/internal/workfile"
)

var version = "dev"

// RemoteDriverName is the registry name of the proprietary disk-library
// driver, linked in by builds that carry it.
const RemoteDriverName = "vadp"

// exitBackendPanic is the exit code for an unrecoverable disk-library
// panic, distinct from ordinary failures.
const exitBackendPanic = 10

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

type options struct {
	createDisk          bool
	skipSizeCheck       bool
	cleanupOnDisconnect bool
	cleanupOnStart      bool
	cloneDisk           string
	transport           string
	local               bool
	saveMetadata        bool
	restoreMetadata     bool
	pipelined           bool
	pipelineDepth       int
	rawImage            string
	sectorsPerCall      uint64
	noQueryAllocated    bool
	chunkSize           uint64
	diskType            string
	verbose             bool
	bwLimit             string
	showVersion         bool
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := &options{}

	// A received signal becomes the process exit code; teardown runs via
	// the cancelled context before we get back here.
	var sigCode atomic.Int32

	rootCmd := &cobra.Command{
		Use:           "vadpdump",
		Short:         "Dump and restore VM disk images as a framed backup stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				fmt.Fprintf(os.Stdout, "vadpdump %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&opts.createDisk, "create-disk", "C", false, "create the local clone disk (disables the size check)")
	pf.BoolVarP(&opts.skipSizeCheck, "skip-size-check", "c", false, "don't validate disk geometry on restore")
	pf.BoolVarP(&opts.cleanupOnDisconnect, "cleanup-on-disconnect", "D", false, "run backend cleanup after disconnect")
	pf.StringVarP(&opts.cloneDisk, "clone-disk", "d", "", "local clone disk path")
	pf.StringVarP(&opts.transport, "transport", "f", "", "force a specific backend transport")
	pf.BoolVarP(&opts.local, "local", "l", false, "operate on a local image instead of a remote VM")
	pf.BoolVarP(&opts.saveMetadata, "save-metadata", "M", false, "save disk metadata on dump")
	pf.BoolVarP(&opts.restoreMetadata, "restore-metadata", "R", false, "restore disk metadata on restore")
	pf.BoolVarP(&opts.pipelined, "pipeline", "m", false, "overlap backend and stream I/O with a copy pipeline")
	pf.IntVar(&opts.pipelineDepth, "pipeline-depth", 0, "in-flight buffers in the copy pipeline")
	pf.StringVarP(&opts.rawImage, "raw-image", "r", "", "also mirror dump payload to this raw image file")
	pf.BoolVarP(&opts.cleanupOnStart, "cleanup-on-start", "S", false, "run backend cleanup at session start (restore: before connect; dump: right after connect)")
	pf.Uint64VarP(&opts.sectorsPerCall, "sectors-per-call", "s", session.DefaultSectorsPerCall, "sectors per backend call")
	pf.BoolVarP(&opts.noQueryAllocated, "no-query-allocated", "Q", false, "skip the allocated-block query; treat the whole disk as allocated")
	pf.Uint64VarP(&opts.chunkSize, "chunk-size", "k", backend.DefaultChunkSize, "chunk size (sectors) for the allocated-block query")
	pf.StringVarP(&opts.diskType, "disk-type", "t", "", "disk type for local clone creation")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose diagnostics to stderr")
	pf.StringVar(&opts.bwLimit, "bwlimit", "", "stream bandwidth limit (e.g. 100M)")
	rootCmd.Flags().BoolVar(&opts.showVersion, "version", false, "print version and exit")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "dump <workfile>",
			Short: "Stream the changed, allocated sectors of a disk to stdout",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOperation(cmd, opts, "dump", args[0])
			},
		},
		&cobra.Command{
			Use:   "restore <workfile>",
			Short: "Replay a backup stream from stdin into a disk",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOperation(cmd, opts, "restore", args[0])
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Validate a backup stream from stdin without writing anything",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOperation(cmd, opts, "show", "")
			},
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if num, ok := sig.(syscall.Signal); ok {
			sigCode.Store(int32(num))
		}
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)

	if code := sigCode.Load(); code != 0 {
		return int(code)
	}
	if err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runOperation(cmd *cobra.Command, opts *options, mode, workPath string) error {
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfg, err := buildConfig(cmd, opts, log)
	if err != nil {
		return err
	}

	var work *workfile.Work
	if workPath != "" {
		work, err = workfile.Load(workPath)
		if err != nil {
			return err
		}
	}

	sess, err := session.New(*cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	switch mode {
	case "dump":
		err = sess.Dump(ctx, work)
	case "restore":
		err = sess.Restore(ctx, work)
	case "show":
		err = sess.Show(ctx)
	}

	if cerr := sess.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Error(mode+" failed", "error", err)
		return &exitError{code: 1}
	}
	return nil
}

// buildConfig assembles the session configuration from flags, the
// optional config file, and the selected backend driver.
func buildConfig(cmd *cobra.Command, opts *options, log *slog.Logger) (*session.Config, error) {
	fileCfg, err := config.Load()
	if err != nil {
		log.Warn("failed to load config file", "error", err)
	}
	applyConfigDefaults(cmd, fileCfg.Defaults, opts)

	if opts.sectorsPerCall == 0 {
		return nil, fmt.Errorf("sectors-per-call must be a number > 0")
	}

	diskType := backend.DiskMonolithicSparse
	if opts.diskType != "" {
		diskType, err = backend.ParseDiskType(opts.diskType)
		if err != nil {
			return nil, err
		}
	}

	var bwLimit int64
	if opts.bwLimit != "" {
		bwLimit, err = config.ParseSize(opts.bwLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}

	driverName := RemoteDriverName
	if opts.local {
		driverName = filedisk.DriverName
	}
	driver, err := backend.Open(driverName, log, func(format string, args ...any) {
		log.Error("backend panic: " + fmt.Sprintf(format, args...))
		os.Exit(exitBackendPanic)
	})
	if err != nil {
		return nil, err
	}

	return &session.Config{
		In:     os.Stdin,
		Out:    os.Stdout,
		Log:    log,
		Driver: driver,

		SectorsPerCall: opts.sectorsPerCall,
		ChunkSize:      opts.chunkSize,
		QueryAllocated: !opts.noQueryAllocated,
		Pipelined:      opts.pipelined,
		PipelineDepth:  opts.pipelineDepth,

		SaveMetadata:    opts.saveMetadata,
		RestoreMetadata: opts.restoreMetadata,
		// Creating the disk makes the size check meaningless: the fresh
		// clone never matches the dumped geometry.
		CheckSize:  !opts.skipSizeCheck && !opts.createDisk,
		CreateDisk: opts.createDisk,

		CleanupOnStart:      opts.cleanupOnStart,
		CleanupOnDisconnect: opts.cleanupOnDisconnect,
		LocalImage:          opts.local,

		CloneDiskPath: opts.cloneDisk,
		RawPath:       opts.rawImage,
		Transport:     opts.transport,
		DiskType:      diskType,

		BandwidthLimit: bwLimit,
	}, nil
}

// applyConfigDefaults applies config-file defaults for flags not
// explicitly set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, opts *options) {
	flags := cmd.Flags()
	if !flags.Changed("sectors-per-call") && defaults.SectorsPerCall != nil {
		opts.sectorsPerCall = *defaults.SectorsPerCall
	}
	if !flags.Changed("chunk-size") && defaults.ChunkSize != nil {
		opts.chunkSize = *defaults.ChunkSize
	}
	if !flags.Changed("transport") && defaults.Transport != nil {
		opts.transport = *defaults.Transport
	}
	if !flags.Changed("pipeline") && defaults.Pipeline != nil {
		opts.pipelined = *defaults.Pipeline
	}
	if !flags.Changed("pipeline-depth") && defaults.PipelineDepth != nil {
		opts.pipelineDepth = *defaults.PipelineDepth
	}
	if !flags.Changed("bwlimit") && defaults.BWLimit != nil {
		opts.bwLimit = *defaults.BWLimit
	}
}
