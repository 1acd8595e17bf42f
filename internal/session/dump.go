package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/interval"
	"github.com/vadpdump/vadpdump/internal/pipeline"
	"github.com/vadpdump/vadpdump/internal/protocol"
	"github.com/vadpdump/vadpdump/internal/workfile"
)

// Dump streams the changed, allocated sectors of the disk described by
// work to the output stream.
func (s *Session) Dump(ctx context.Context, work *workfile.Work) error {
	if err := work.ValidateDump(s.cfg.LocalImage); err != nil {
		return err
	}
	s.work = work
	s.applyBandwidthLimit(ctx)

	if err := s.connect(true, work.Conn.SnapshotMoRef); err != nil {
		return err
	}
	if s.cfg.CleanupOnStart {
		s.cleanupStale()
	}

	rh, err := s.conn.Open(work.Disk.Path, true)
	if err != nil {
		return err
	}
	s.readHandle = rh

	info, err := rh.Info()
	if err != nil {
		return err
	}
	s.log.Debug("disk opened",
		"path", work.Disk.Path,
		"capacity_sectors", info.Capacity,
		"logical_sector_size", info.LogicalSectorSize,
		"physical_sector_size", info.PhysicalSectorSize,
	)

	if s.cfg.Pipelined {
		s.pipe = pipeline.New(s.backendRead, s.streamWrite, int(s.chunkBytes()), s.cfg.PipelineDepth)
	} else {
		s.buf = make([]byte, s.chunkBytes())
	}

	di := buildDiskInfo(info, work.ChangeInfo)
	if err := protocol.WriteDiskInfo(s.out, di); err != nil {
		return err
	}
	s.absStart = di.StartOffset
	s.logDiskInfo(di)

	if s.cfg.CloneDiskPath != "" {
		if s.cfg.CreateDisk {
			capacity := di.DiskLength / backend.SectorSize
			if err := s.conn.Create(s.cfg.CloneDiskPath, capacity, backend.AdapterSCSIBusLogic, s.cfg.DiskType); err != nil {
				return err
			}
		}
		wh, err := s.conn.Open(s.cfg.CloneDiskPath, false)
		if err != nil {
			return err
		}
		s.writeHandle = wh
	}

	if err := s.saveMetadata(); err != nil {
		return err
	}

	if s.cfg.RawPath != "" {
		s.log.Debug("opening raw clone file", "path", s.cfg.RawPath)
		raw, err := os.OpenFile(s.cfg.RawPath, os.O_WRONLY|os.O_TRUNC, 0)
		if err != nil {
			return fmt.Errorf("open raw clone file %s: %w", s.cfg.RawPath, err)
		}
		s.raw = raw
	}

	allocated, err := s.listAllocated(info)
	if err != nil {
		return err
	}
	if s.log.Enabled(ctx, slog.LevelDebug) {
		for i, a := range allocated {
			s.log.Debug("allocated block", "index", i, "start", a.Start, "length", a.Length)
		}
	}

	changed := make([]interval.Interval, 0, len(work.ChangeInfo.ChangedArea))
	for _, area := range work.ChangeInfo.ChangedArea {
		changed = append(changed, interval.Interval{Start: area.Start, Length: area.Length})
		s.stats.AddChangedBytes(int64(area.Length))
	}

	err = interval.Walk(changed, allocated, func(iv interval.Interval) error {
		return s.dumpInterval(ctx, iv)
	})
	if err != nil {
		return err
	}

	snap := s.stats.Snapshot()
	s.log.Debug("dump complete", "changed", snap.ChangedBytes, "saved", snap.SavedBytes, "stats", snap.String())
	return nil
}

// dumpInterval frames and moves one allocated∩changed interval.
func (s *Session) dumpInterval(ctx context.Context, iv interval.Interval) error {
	s.log.Debug("saving interval", "start", iv.Start, "length", iv.Length,
		"sectors", iv.Length/backend.SectorSize)

	s.stats.AddSavedBytes(int64(iv.Length))
	s.stats.AddPayloadRecords(1)

	// The header goes straight to the stream; the pipeline is idle here
	// because every interval flushes before returning.
	if err := protocol.WriteCBTHeader(s.out, iv.Start, iv.Length); err != nil {
		return err
	}

	if s.raw != nil {
		// Position the raw mirror at the interval's absolute start;
		// chunk writes then advance sequentially.
		if _, err := s.raw.Seek(int64(s.absStart+iv.Start), io.SeekStart); err != nil {
			return fmt.Errorf("seek raw clone file: %w", err)
		}
	}

	return s.transferDump(ctx, iv)
}

// saveMetadata emits the disk's metadata records, or just the end
// sentinel when metadata saving is off. Entries are mirrored to the
// clone disk when one is open.
func (s *Session) saveMetadata() error {
	if s.cfg.SaveMetadata {
		keys, err := s.readHandle.MetadataKeys()
		if err != nil {
			return err
		}
		for _, key := range keys {
			s.log.Debug("saving metadata key", "key", key)
			value, err := s.readHandle.ReadMetadata(key)
			if err != nil {
				return err
			}
			if s.writeHandle != nil {
				if err := s.writeHandle.WriteMetadata(key, value); err != nil {
					return err
				}
			}
			if err := protocol.WriteMetadataEntry(s.out, key, value); err != nil {
				return err
			}
			s.stats.AddMetadataKeys(1)
		}
	}
	return protocol.WriteMetadataEnd(s.out)
}

// listAllocated builds the allocated-interval list in bytes: batched
// backend queries at chunk granularity plus the trailing unaligned
// remainder, or the whole disk when querying is disabled.
func (s *Session) listAllocated(info *backend.Info) ([]interval.Interval, error) {
	capacity := info.Capacity

	if !s.cfg.QueryAllocated {
		return []interval.Interval{{Start: 0, Length: capacity * backend.SectorSize}}, nil
	}

	chunk := s.cfg.ChunkSize
	if chunk > capacity {
		chunk = capacity
	}
	if chunk < backend.MinChunkSize {
		chunk = backend.MinChunkSize
	}

	numChunks := capacity / chunk
	s.log.Debug("querying allocated blocks", "chunk_size", chunk, "num_chunks", numChunks)

	var extents []backend.Extent
	var offset uint64
	for numChunks > 0 {
		q := min(uint64(backend.MaxChunkNumber), numChunks)

		batch, err := s.readHandle.QueryAllocated(offset, q*chunk, chunk)
		if err != nil {
			return nil, err
		}
		extents = append(extents, batch...)

		offset += q * chunk
		numChunks -= q
	}

	if unaligned := capacity % chunk; unaligned > 0 {
		s.log.Debug("unaligned tail", "sectors", unaligned)
		extents = append(extents, backend.Extent{Offset: offset, Length: unaligned})
	}

	allocated := make([]interval.Interval, 0, len(extents))
	var allocatedSectors uint64
	for _, e := range extents {
		allocated = append(allocated, interval.Interval{
			Start:  e.Offset * backend.SectorSize,
			Length: e.Length * backend.SectorSize,
		})
		allocatedSectors += e.Length
	}
	s.log.Debug("allocated sectors", "sectors", allocatedSectors)

	return allocated, nil
}

// buildDiskInfo derives the stream's leading record from the backend
// info and the snapshot's change-tracking envelope. Zero BIOS dimensions
// fall back to the physical geometry.
func buildDiskInfo(info *backend.Info, ci *workfile.ChangeInfo) *protocol.DiskInfo {
	di := &protocol.DiskInfo{
		Version:       protocol.Version,
		DiskLength:    ci.Length,
		StartOffset:   ci.StartOffset,
		BiosCylinders: info.BiosGeometry.Cylinders,
		BiosHeads:     info.BiosGeometry.Heads,
		BiosSectors:   info.BiosGeometry.Sectors,
		PhysCylinders: info.PhysGeometry.Cylinders,
		PhysHeads:     info.PhysGeometry.Heads,
		PhysSectors:   info.PhysGeometry.Sectors,
		PhysCapacity:  info.Capacity,
		AdapterType:   uint32(info.AdapterType),
	}
	if di.BiosCylinders == 0 {
		di.BiosCylinders = di.PhysCylinders
	}
	if di.BiosHeads == 0 {
		di.BiosHeads = di.PhysHeads
	}
	if di.BiosSectors == 0 {
		di.BiosSectors = di.PhysSectors
	}
	return di
}
