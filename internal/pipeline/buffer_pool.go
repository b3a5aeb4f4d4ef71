package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolExhausted is returned when every buffer is checked out.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrPoolClosed is returned by a pool that has been closed.
	ErrPoolClosed = errors.New("buffer pool closed")
)

// Buffer is a fixed size byte slice checked out from a BufferPool.
type Buffer struct {
	Data []byte

	id         int
	pool       *BufferPool
	checkedOut bool
}

// PoolStats is a snapshot of buffer pool usage.
type PoolStats struct {
	Capacity       int    `json:"capacity"`
	Available      int    `json:"available"`
	InUse          int    `json:"in_use"`
	BufferSize     int    `json:"buffer_size"`
	Exhausted      uint64 `json:"exhausted"`
	DoubleReleases uint64 `json:"double_releases"`
}

// BufferPool hands out a fixed number of equally sized buffers. A buffer is
// owned by exactly one holder between Get and its release.
type BufferPool struct {
	mu     sync.Mutex
	size   int
	all    []*Buffer
	free   []*Buffer
	closed bool
	stats  PoolStats
}

// NewBufferPool allocates count buffers of size bytes.
func NewBufferPool(count, size int) (*BufferPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid buffer pool %d x %d bytes", count, size)
	}
	p := &BufferPool{
		size: size,
		all:  make([]*Buffer, count),
		free: make([]*Buffer, 0, count),
	}
	for i := range p.all {
		b := &Buffer{Data: make([]byte, size), id: i, pool: p}
		p.all[i] = b
		p.free = append(p.free, b)
	}
	return p, nil
}

// Get checks out a buffer.
func (p *BufferPool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	n := len(p.free)
	if n == 0 {
		p.stats.Exhausted++
		return nil, ErrPoolExhausted
	}
	b := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	b.checkedOut = true
	return b, nil
}

// put returns b to the pool. Returning a buffer that is not checked out is
// counted and ignored.
func (p *BufferPool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.pool != p || !b.checkedOut {
		p.stats.DoubleReleases++
		return
	}
	b.checkedOut = false
	if p.closed {
		return
	}
	p.free = append(p.free, b)
}

// Release returns b to its pool.
func (b *Buffer) Release() {
	b.pool.put(b)
}

// Stats returns a usage snapshot.
func (p *BufferPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Capacity = len(p.all)
	s.Available = len(p.free)
	s.InUse = 0
	for _, b := range p.all {
		if b.checkedOut {
			s.InUse++
		}
	}
	s.BufferSize = p.size
	return s
}

// Close drops every free buffer. Buffers still checked out are discarded on release.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for i := range p.free {
		p.free[i] = nil
	}
	p.free = nil
}
