// Package buffer implements the fixed-size, single-producer/single-consumer
// buffer pool the capture pipeline recycles 8 MiB bulk-read buffers
// through.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Default pool geometry: 32 buffers of 8 MiB.
const (
	DefaultSize  = 8 * 1024 * 1024
	DefaultCount = 32
)

// Pool is a FIFO ring of fixed-size buffers gated by a counting
// semaphore. It is only safe under a single-producer/single-consumer
// discipline: one goroutine calls Acquire, one (possibly different)
// goroutine calls Release.
type Pool struct {
	size int

	sem *semaphore.Weighted

	mu       sync.Mutex
	bufs     [][]byte
	readIdx  int
	writeIdx int
}

// New allocates count buffers of size bytes up front.
func New(size, count int) *Pool {
	bufs := make([][]byte, count)
	for i := range bufs {
		bufs[i] = make([]byte, size)
	}
	return &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(count)),
		bufs: bufs,
	}
}

// Size returns the fixed buffer length.
func (p *Pool) Size() int { return p.size }

// Acquire blocks until a buffer is free, then returns it. Acquire must
// only ever be called from the single producer goroutine.
func (p *Pool) Acquire(ctx context.Context) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	buf := p.bufs[p.readIdx]
	p.readIdx = (p.readIdx + 1) % len(p.bufs)
	p.mu.Unlock()
	return buf, nil
}

// Release returns buf to the pool. buf must be the buffer currently at
// the pool's write index (the one returned earliest among outstanding
// loans); any other value is a pool-misuse bug in the caller and is
// reported as an error rather than silently corrupting the ring.
func (p *Pool) Release(buf []byte) error {
	p.mu.Lock()
	want := p.bufs[p.writeIdx]
	if &want[0] != &buf[0] {
		p.mu.Unlock()
		return fmt.Errorf("buffer: release out of order: pool misuse")
	}
	p.writeIdx = (p.writeIdx + 1) % len(p.bufs)
	p.mu.Unlock()
	p.sem.Release(1)
	return nil
}
