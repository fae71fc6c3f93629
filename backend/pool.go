package backend

import (
	"bytes"
	"sync"
)

// maxRetainedBuffer caps the capacity of buffers returned to the pool.
const maxRetainedBuffer = 8 << 20

// BufferPool recycles DATA buffers between sessions.
type BufferPool struct {
	pool *sync.Pool
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: &sync.Pool{
			New: func() any {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() *bytes.Buffer {
	return bp.pool.Get().(*bytes.Buffer)
}

// Put returns a buffer to the pool after resetting it
func (bp *BufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxRetainedBuffer {
		return
	}
	buf.Reset()
	bp.pool.Put(buf)
}
