package proxy

import (
	"sync"
)

const copyBufferSize = 32 * 1024

// copyBuffers is shared by the reverse proxy and tunnel splices. It caches
// memory only; nothing observable depends on it.
var copyBuffers = newBufferPool(copyBufferSize)

// bufferPool implements httputil.BufferPool over fixed-size byte slices.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	b := p.pool.Get().(*[]byte)
	return *b
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// &b costs a small heap allocation; unavoidable when storing a slice in an interface.
	p.pool.Put(&b)
}
