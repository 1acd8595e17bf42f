// Package pipeline overlaps the two halves of a transfer: the session
// thread produces sector-range jobs (reading from its source as it goes)
// while a single consumer performs the complementary write. One producer,
// one consumer, one bounded FIFO; the consumer sees jobs in exactly the
// order they were sent, so the stream or the backend observes the same
// byte sequence as the single-threaded path.
package pipeline

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultDepth is the number of in-flight buffers when the caller does
// not choose one.
const DefaultDepth = 4

// IOFunc moves len(buf) bytes at the given sector offset: a backend read
// or write, or a stream read or write.
type IOFunc func(sectorOffset uint64, buf []byte) error

type job struct {
	sectorOffset uint64
	buf          []byte
	flush        chan struct{} // non-nil marks a flush barrier
}

// Pipeline is a single-producer/single-consumer hand-off with a fixed
// pool of reusable buffers. Send blocks when all buffers are in flight;
// the consumer blocks when none are.
type Pipeline struct {
	read  IOFunc
	write IOFunc

	jobs chan job
	free chan []byte
	grp  errgroup.Group

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	closeErr  error
}

// New starts the consumer. Each of the depth buffers holds bufBytes
// bytes, which bounds the largest Send.
func New(read, write IOFunc, bufBytes, depth int) *Pipeline {
	if depth <= 0 {
		depth = DefaultDepth
	}
	p := &Pipeline{
		read:  read,
		write: write,
		jobs:  make(chan job, depth),
		free:  make(chan []byte, depth),
	}
	for i := 0; i < depth; i++ {
		p.free <- make([]byte, bufBytes)
	}
	p.grp.Go(p.consume)
	return p
}

func (p *Pipeline) consume() error {
	var firstErr error
	for j := range p.jobs {
		if j.flush != nil {
			close(j.flush)
			continue
		}
		if firstErr == nil {
			if err := p.write(j.sectorOffset, j.buf); err != nil {
				firstErr = err
				p.setErr(err)
			}
		}
		// Return the buffer even after a failure so the producer can
		// drain instead of deadlocking.
		p.free <- j.buf[:cap(j.buf)]
	}
	return firstErr
}

// Send reads length bytes at sectorOffset via the producer-side IOFunc
// and queues them for the consumer. After any worker has failed, Send
// returns that first error without doing further I/O.
func (p *Pipeline) Send(sectorOffset uint64, length int) error {
	if err := p.firstErr(); err != nil {
		return err
	}

	buf := <-p.free
	buf = buf[:length]
	if err := p.read(sectorOffset, buf); err != nil {
		p.free <- buf[:cap(buf)]
		p.setErr(err)
		return err
	}

	p.jobs <- job{sectorOffset: sectorOffset, buf: buf}
	return nil
}

// Flush returns once every job queued before it has been fully written.
// Required before any code path that writes to the consumer's sink
// directly, so the two never interleave.
func (p *Pipeline) Flush() error {
	done := make(chan struct{})
	p.jobs <- job{flush: done}
	<-done
	return p.firstErr()
}

// Close drains the queue, joins the consumer and reports the first error
// observed on either side. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.jobs)
		werr := p.grp.Wait()
		p.closeErr = p.firstErr()
		if p.closeErr == nil {
			p.closeErr = werr
		}
	})
	return p.closeErr
}

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *Pipeline) firstErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
