package session

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/vadpdump/vadpdump/internal/backend"
	"github.com/vadpdump/vadpdump/internal/interval"
)

// chunkBytes is the per-call transfer bound in bytes.
func (s *Session) chunkBytes() uint64 {
	return s.cfg.SectorsPerCall * backend.SectorSize
}

func checkAligned(what string, iv interval.Interval) error {
	if iv.Start%backend.SectorSize != 0 || iv.Length%backend.SectorSize != 0 {
		return fmt.Errorf("%s [%d,+%d) is not sector aligned", what, iv.Start, iv.Length)
	}
	return nil
}

// backendRead fills buf from the read handle.
func (s *Session) backendRead(sectorOffset uint64, buf []byte) error {
	return s.readHandle.Read(sectorOffset, buf)
}

// backendWrite stores buf through the write handle.
func (s *Session) backendWrite(sectorOffset uint64, buf []byte) error {
	return s.writeHandle.Write(sectorOffset, buf)
}

// streamRead fills buf from the input stream. A stream that ends inside
// a payload is an I/O error, not a clean end.
func (s *Session) streamRead(_ uint64, buf []byte) error {
	if _, err := io.ReadFull(s.in, buf); err != nil {
		return fmt.Errorf("short payload read from input stream: %w", err)
	}
	return nil
}

// streamWrite sends buf to the output stream, mirroring it to the raw
// clone file and the clone disk first. Clone-disk write failures are
// diagnostics only, matching the dump-side contract that the stream is
// the authoritative copy.
func (s *Session) streamWrite(sectorOffset uint64, buf []byte) error {
	if s.raw != nil {
		if _, err := s.raw.Write(buf); err != nil {
			return fmt.Errorf("write raw clone file: %w", err)
		}
	}
	if s.writeHandle != nil {
		if err := s.writeHandle.Write(sectorOffset, buf); err != nil {
			s.log.Warn("clone disk write", "error", err)
		}
	}
	if _, err := s.out.Write(buf); err != nil {
		return fmt.Errorf("write output stream: %w", err)
	}
	s.stats.AddPayloadBytes(int64(len(buf)))
	return nil
}

// transferDump moves one emitted interval from the backend to the
// stream, sliced into sectors-per-call chunks. The CBT header has
// already been written by the caller.
func (s *Session) transferDump(ctx context.Context, iv interval.Interval) error {
	if err := checkAligned("dump interval", iv); err != nil {
		return err
	}

	current := s.absStart + iv.Start
	remaining := iv.Length
	sectorOffset := current / backend.SectorSize

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(s.chunkBytes(), remaining)
		if s.pipe != nil {
			if err := s.pipe.Send(sectorOffset, int(n)); err != nil {
				return err
			}
		} else {
			chunk := s.buf[:n]
			if err := s.backendRead(sectorOffset, chunk); err != nil {
				return err
			}
			if err := s.streamWrite(sectorOffset, chunk); err != nil {
				return err
			}
		}

		sectorOffset += n / backend.SectorSize
		remaining -= n
	}

	if s.pipe != nil {
		// The next header goes straight to the stream; nothing of this
		// interval may still be in flight behind it.
		return s.pipe.Flush()
	}
	return nil
}

// transferRestore moves one changed-block payload from the stream into
// the backend (or through the digester in validate-only mode).
func (s *Session) transferRestore(ctx context.Context, iv interval.Interval, sink func(sectorOffset uint64, buf []byte) error) error {
	if err := checkAligned("restore interval", iv); err != nil {
		return err
	}

	current := s.absStart + iv.Start
	remaining := iv.Length
	sectorOffset := current / backend.SectorSize

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(s.chunkBytes(), remaining)
		if s.pipe != nil {
			if err := s.pipe.Send(sectorOffset, int(n)); err != nil {
				return err
			}
			s.stats.AddPayloadBytes(int64(n))
		} else {
			chunk := s.buf[:n]
			if err := s.streamRead(sectorOffset, chunk); err != nil {
				return err
			}
			if err := sink(sectorOffset, chunk); err != nil {
				return err
			}
			s.stats.AddPayloadBytes(int64(n))
		}

		sectorOffset += n / backend.SectorSize
		remaining -= n
	}

	if s.pipe != nil {
		return s.pipe.Flush()
	}
	return nil
}

// rateLimiter builds the token bucket that applyBandwidthLimit shares
// between the stream reader and writer. The burst admits one full chunk so
// a sectors-per-call write never blocks on bucket granularity.
func (s *Session) rateLimiter() *rate.Limiter {
	limit := s.cfg.BandwidthLimit
	burst := int64(s.chunkBytes())
	if burst < limit {
		burst = limit
	}
	return rate.NewLimiter(rate.Limit(limit), int(burst))
}

type rateLimitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (rw *rateLimitedWriter) Write(p []byte) (int, error) {
	if err := rw.limiter.WaitN(rw.ctx, len(p)); err != nil {
		return 0, err
	}
	return rw.w.Write(p)
}

type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// applyBandwidthLimit wraps the stream reader/writer for this run.
func (s *Session) applyBandwidthLimit(ctx context.Context) {
	if s.cfg.BandwidthLimit <= 0 {
		return
	}
	limiter := s.rateLimiter()
	s.out = &rateLimitedWriter{ctx: ctx, w: s.cfg.Out, limiter: limiter}
	s.in = &rateLimitedReader{ctx: ctx, r: s.cfg.In, limiter: limiter}
}
