package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/interval"
	"github.com/vadpdump/vadpdump/internal/pipeline"
	"github.com/vadpdump/vadpdump/internal/protocol"
	"github.com/vadpdump/vadpdump/internal/workfile"
)

// Restore replays a backup stream from the input into the disk described
// by work.
func (s *Session) Restore(ctx context.Context, work *workfile.Work) error {
	if err := work.ValidateRestore(s.cfg.LocalImage); err != nil {
		return err
	}
	s.work = work

	if s.cfg.CleanupOnStart {
		s.cleanupStale()
	}
	if err := s.connect(false, ""); err != nil {
		return err
	}

	return s.processStream(ctx, false)
}

// Show validates a backup stream without touching any backend: every
// record is read and framing enforced, payloads are digested, nothing is
// written anywhere.
func (s *Session) Show(ctx context.Context) error {
	return s.processStream(ctx, true)
}

func (s *Session) processStream(ctx context.Context, validateOnly bool) error {
	s.applyBandwidthLimit(ctx)

	// The disk-info record is read and checked before any write handle
	// exists, so a garbage stream never gets as far as the target disk.
	di, err := protocol.ReadDiskInfo(s.in)
	if err != nil {
		return err
	}
	s.logDiskInfo(di)
	s.absStart = di.StartOffset

	if !validateOnly {
		if err := s.openRestoreTarget(di); err != nil {
			return err
		}
		if s.cfg.Pipelined {
			s.pipe = pipeline.New(s.streamRead, s.backendWrite, int(s.chunkBytes()), s.cfg.PipelineDepth)
		}
	}
	if s.pipe == nil {
		s.buf = make([]byte, s.chunkBytes())
	}

	if err := s.processMetadata(validateOnly); err != nil {
		return err
	}

	var total, record *blake3.Hasher
	if validateOnly {
		total = blake3.New()
		record = blake3.New()
	}

	sink := s.backendWrite
	if validateOnly {
		sink = func(_ uint64, buf []byte) error {
			total.Write(buf)
			record.Write(buf)
			return nil
		}
	}

	for {
		start, length, err := protocol.ReadCBTHeader(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break // clean end of stream at a record boundary
			}
			return err
		}

		s.log.Debug("restoring interval", "start", start, "length", length,
			"sectors", length/backend.SectorSize)
		s.stats.AddPayloadRecords(1)

		iv := interval.Interval{Start: start, Length: length}
		if err := s.transferRestore(ctx, iv, sink); err != nil {
			return err
		}

		if validateOnly {
			s.log.Debug("record digest", "start", start, "length", length,
				"blake3", hex.EncodeToString(record.Sum(nil)))
			record.Reset()
		}
	}

	snap := s.stats.Snapshot()
	if validateOnly {
		s.log.Info("stream valid",
			"records", snap.PayloadRecords,
			"payload_bytes", snap.PayloadBytes,
			"metadata_keys", snap.MetadataKeys,
			"blake3", hex.EncodeToString(total.Sum(nil)),
		)
	} else {
		s.log.Debug("restore complete", "stats", snap.String())
	}
	return nil
}

// openRestoreTarget creates or opens the disk the stream is replayed
// into, and validates geometry before the first sector write.
func (s *Session) openRestoreTarget(di *protocol.DiskInfo) error {
	path := s.work.Disk.Path

	if s.cfg.CreateDisk {
		if err := s.conn.Create(path, di.PhysCapacity, backend.AdapterSCSIBusLogic, s.cfg.DiskType); err != nil {
			return err
		}
	}

	wh, err := s.conn.Open(path, false)
	if err != nil {
		return err
	}
	s.writeHandle = wh

	if !s.cfg.CreateDisk && s.cfg.CheckSize {
		info, err := wh.Info()
		if err != nil {
			return err
		}
		if err := validateGeometry(di, info); err != nil {
			return err
		}
	}
	return nil
}

// validateGeometry rejects targets smaller than the dumped disk. BIOS
// dimensions the target reports as zero are skipped.
func validateGeometry(di *protocol.DiskInfo, target *backend.Info) error {
	checks := []struct {
		dimension string
		target    uint32
		record    uint32
		skipZero  bool
	}{
		{"BIOS cylinders", target.BiosGeometry.Cylinders, di.BiosCylinders, true},
		{"BIOS heads", target.BiosGeometry.Heads, di.BiosHeads, true},
		{"BIOS sectors", target.BiosGeometry.Sectors, di.BiosSectors, true},
		{"PHYS cylinders", target.PhysGeometry.Cylinders, di.PhysCylinders, false},
		{"PHYS heads", target.PhysGeometry.Heads, di.PhysHeads, false},
		{"PHYS sectors", target.PhysGeometry.Sectors, di.PhysSectors, false},
	}
	for _, c := range checks {
		if c.skipZero && c.target == 0 {
			continue
		}
		if c.target < c.record {
			return &GeometryMismatchError{Dimension: c.dimension, Target: c.target, Record: c.record}
		}
	}
	return nil
}

// processMetadata consumes metadata records up to the end sentinel,
// writing them to the target when metadata restore is enabled.
func (s *Session) processMetadata(validateOnly bool) error {
	for {
		key, value, ok, err := protocol.ReadMetadataEntry(s.in)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		s.log.Debug("metadata entry", "key", key, "bytes", len(value))
		s.stats.AddMetadataKeys(1)

		if !validateOnly && s.cfg.RestoreMetadata {
			if err := s.writeHandle.WriteMetadata(key, value); err != nil {
				return err
			}
		}
	}
}

func (s *Session) logDiskInfo(di *protocol.DiskInfo) {
	s.log.Debug("disk info record",
		"protocol_version", di.Version,
		"disk_length", di.DiskLength,
		"start_offset", di.StartOffset,
		"bios_geometry", fmt.Sprintf("%d/%d/%d", di.BiosCylinders, di.BiosHeads, di.BiosSectors),
		"phys_geometry", fmt.Sprintf("%d/%d/%d", di.PhysCylinders, di.PhysHeads, di.PhysSectors),
		"phys_capacity", di.PhysCapacity,
		"adapter_type", di.AdapterType,
	)
}
