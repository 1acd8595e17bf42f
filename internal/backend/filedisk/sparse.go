package filedisk

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vadpdump/vadpdump/internal/backend"
)

// QueryAllocated walks SEEK_DATA/SEEK_HOLE over the queried range and
// reports the data extents, widened to chunkSize-sector granularity.
// Filesystems without sparse support report the whole range as one
// extent, which is always a safe over-approximation.
func (h *handle) QueryAllocated(startSector, numSectors, chunkSize uint64) ([]backend.Extent, error) {
	if numSectors == 0 {
		return nil, nil
	}
	if chunkSize == 0 {
		chunkSize = backend.MinChunkSize
	}

	lo := int64(startSector) * backend.SectorSize
	hi := int64(startSector+numSectors) * backend.SectorSize

	fd := int(h.f.Fd())
	var extents []backend.Extent
	offset := lo

	for offset < hi {
		dataStart, err := unix.Seek(fd, offset, unix.SEEK_DATA)
		if err != nil {
			if err == unix.ENXIO {
				break // rest of the range is a hole
			}
			if err == unix.EINVAL || err == unix.ENOTSUP {
				return []backend.Extent{{Offset: startSector, Length: numSectors}}, nil
			}
			return nil, fmt.Errorf("seek data in %s: %w", h.path, err)
		}
		if dataStart >= hi {
			break
		}

		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			switch err {
			case unix.ENXIO:
				holeStart = hi
			case unix.EINVAL, unix.ENOTSUP:
				return []backend.Extent{{Offset: startSector, Length: numSectors}}, nil
			default:
				return nil, fmt.Errorf("seek hole in %s: %w", h.path, err)
			}
		}
		if holeStart > hi {
			holeStart = hi
		}

		extents = appendChunkAligned(extents, dataStart, holeStart, chunkSize, startSector, startSector+numSectors)
		offset = holeStart
	}

	return extents, nil
}

// appendChunkAligned widens the byte range [from, to) to chunk-sector
// granularity, clamps it to [loSector, hiSector), and merges it with the
// previous extent when the widening made them touch.
func appendChunkAligned(extents []backend.Extent, from, to int64, chunkSize, loSector, hiSector uint64) []backend.Extent {
	chunkBytes := int64(chunkSize) * backend.SectorSize

	from -= from % chunkBytes
	if rem := to % chunkBytes; rem != 0 {
		to += chunkBytes - rem
	}

	start := uint64(from) / backend.SectorSize
	end := uint64(to) / backend.SectorSize
	if start < loSector {
		start = loSector
	}
	if end > hiSector {
		end = hiSector
	}
	if start >= end {
		return extents
	}

	if n := len(extents); n > 0 && extents[n-1].Offset+extents[n-1].Length >= start {
		last := &extents[n-1]
		if end > last.Offset+last.Length {
			last.Length = end - last.Offset
		}
		return extents
	}
	return append(extents, backend.Extent{Offset: start, Length: end - start})
}
