// Package session drives a dump, restore or show operation end to end:
// connect the backend, frame the stream, walk the allocated∩changed
// intervals and move the sectors, then tear everything down on every exit
// path.
package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/pipeline"
	"github.com/vadpdump/vadpdump/internal/stats"
	"github.com/vadpdump/vadpdump/internal/workfile"
)

// Identity names this engine to the disk library's prepare-for-access
// lease bookkeeping.
const Identity = "VADPDumper"

// DefaultSectorsPerCall bounds each backend read/write at 512 KiB.
const DefaultSectorsPerCall = 1024

// Config carries every knob of a session, assembled once from the CLI,
// the optional config file and the work descriptor.
type Config struct {
	In     io.Reader
	Out    io.Writer
	Log    *slog.Logger
	Driver backend.Driver

	SectorsPerCall uint64
	ChunkSize      uint64 // allocated-query granularity, sectors
	QueryAllocated bool
	Pipelined      bool
	PipelineDepth  int

	SaveMetadata    bool
	RestoreMetadata bool
	CheckSize       bool
	CreateDisk      bool

	CleanupOnStart      bool
	CleanupOnDisconnect bool
	LocalImage          bool

	CloneDiskPath string
	RawPath       string
	Transport     string
	DiskType      backend.DiskType

	BandwidthLimit int64 // bytes/sec on the stream side; 0 is unlimited
}

// Session owns every resource of one operation. All fields are released
// by Close, which is safe to call more than once.
type Session struct {
	cfg   Config
	log   *slog.Logger
	stats *stats.Collector

	work        *workfile.Work
	conn        backend.Connection
	readHandle  backend.Handle
	writeHandle backend.Handle
	raw         *os.File
	pipe        *pipeline.Pipeline

	in  io.Reader
	out io.Writer

	absStart uint64 // absolute start offset from the disk-info record
	buf      []byte // single-threaded transfer buffer

	accessPrepared bool
	torndown       bool
}

// New validates the configuration and prepares a session.
func New(cfg Config) (*Session, error) {
	if cfg.SectorsPerCall == 0 {
		return nil, fmt.Errorf("sectors per call must be > 0")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = backend.DefaultChunkSize
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Session{
		cfg:   cfg,
		log:   cfg.Log,
		stats: stats.NewCollector(),
		in:    cfg.In,
		out:   cfg.Out,
	}, nil
}

// Stats returns the session's accounting snapshot.
func (s *Session) Stats() stats.Snapshot { return s.stats.Snapshot() }

// Close releases everything the session acquired: the pipeline first
// (its consumer still uses the handles and the raw file), then the read
// and write handles, the connection with the optional post-disconnect
// cleanup and end-access, and the raw clone file last.
// Idempotent; later calls are no-ops.
func (s *Session) Close() error {
	if s.torndown {
		return nil
	}
	s.torndown = true

	var firstErr error
	keep := func(err error) {
		if err != nil {
			s.log.Warn("teardown", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if s.pipe != nil {
		keep(s.pipe.Close())
		s.pipe = nil
	}
	if s.readHandle != nil {
		keep(s.readHandle.Close())
		s.readHandle = nil
	}
	if s.writeHandle != nil {
		keep(s.writeHandle.Close())
		s.writeHandle = nil
	}
	if s.conn != nil {
		keep(s.conn.Disconnect())
		s.conn = nil

		if s.cfg.CleanupOnDisconnect && s.work != nil {
			cleaned, remaining, err := s.cfg.Driver.CleanupStale(s.work.Conn.Params())
			keep(err)
			s.log.Debug("cleanup on disconnect", "cleaned", cleaned, "remaining", remaining)
		}
	}
	if s.accessPrepared {
		s.accessPrepared = false
		// Advisory: a failed end-access must not mask the real error.
		if err := s.cfg.Driver.EndAccess(s.work.Conn.Params(), Identity); err != nil {
			s.log.Warn("end access", "error", err)
		}
	}
	if s.raw != nil {
		s.log.Debug("closing raw clone file", "path", s.cfg.RawPath)
		keep(s.raw.Close())
		s.raw = nil
	}

	return firstErr
}

// connect establishes the backend connection shared by dump and restore.
// s.work must already be set.
func (s *Session) connect(readOnly bool, snapshotRef string) error {
	params := s.work.Conn.Params()
	if !s.cfg.LocalImage {
		if err := s.cfg.Driver.PrepareForAccess(params, Identity); err != nil {
			// The library treats this as advisory; so do we.
			s.log.Warn("prepare for access", "error", err)
		} else {
			s.accessPrepared = true
		}
	}

	conn, err := s.cfg.Driver.Connect(params, backend.ConnectOptions{
		ReadOnly:    readOnly,
		SnapshotRef: snapshotRef,
		Transport:   s.cfg.Transport,
	})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", params.Host, err)
	}
	s.conn = conn
	return nil
}

func (s *Session) cleanupStale() {
	cleaned, remaining, err := s.cfg.Driver.CleanupStale(s.work.Conn.Params())
	if err != nil {
		s.log.Warn("cleanup stale", "error", err)
		return
	}
	s.log.Debug("cleanup stale", "cleaned", cleaned, "remaining", remaining)
}
