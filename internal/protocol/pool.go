package protocol

import "sync"

// maxPooledBufferSize bounds what Put will retain; bigger buffers are
// dropped so one oversized control frame can't permanently inflate the pool.
const maxPooledBufferSize = 64 * 1024

// maxPooledBuffers is the soft cap on buffers a single pool instance keeps
// alive, per spec §9's "default: 32 buffers of ≤ 64 KiB".
const maxPooledBuffers = 32

// BufferPool is a bounded, per-worker reusable scratch-buffer pool for the
// codec's control-frame encoding.
// It wraps sync.Pool (Go's stand-in for a thread-local cache, since
// goroutines are not OS threads) with an explicit count cap so retention
// can't grow unbounded under bursty load.
type BufferPool struct {
	pool    sync.Pool
	mu      sync.Mutex
	stashed int
}

// NewBufferPool returns an empty pool ready to use.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]byte, 0, 4096)
				return &buf
			},
		},
	}
}

// Get returns a scratch buffer with length 0 and capacity for reuse.
func (p *BufferPool) Get() []byte {
	buf := p.pool.Get().(*[]byte)
	p.mu.Lock()
	if p.stashed > 0 {
		p.stashed--
	}
	p.mu.Unlock()
	return (*buf)[:0]
}

// Put returns a buffer to the pool. Buffers over maxPooledBufferSize or past
// the pool's soft cap are simply dropped for the GC to reclaim.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) > maxPooledBufferSize {
		return
	}
	p.mu.Lock()
	if p.stashed >= maxPooledBuffers {
		p.mu.Unlock()
		return
	}
	p.stashed++
	p.mu.Unlock()
	p.pool.Put(&buf)
}
