// Package buffer provides pooled byte slices for chunked image I/O.
package buffer

import (
	"sync"
)

// DefaultSize is the buffer size used when a pool is created with size <= 0.
const DefaultSize = 1 * 1024 * 1024

// Pool manages reusable byte buffers of a fixed size so that streaming a
// multi-gigabyte image does not allocate a fresh chunk per read.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a Pool that allocates buffers of the specified size.
// If size is <= 0, DefaultSize is used.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of every buffer handed out by the pool.
func (p *Pool) Size() int {
	return p.size
}

// Get retrieves a buffer from the pool. Callers must Put it back when done.
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns the buffer to the pool. The caller must not use it afterwards.
func (p *Pool) Put(b *[]byte) {
	if b != nil && len(*b) == p.size {
		p.pool.Put(b)
	}
}
