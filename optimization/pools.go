package optimization

import (
	"sync"
)

// BufferPool provides efficient buffer pooling for streaming file copies
type BufferPool struct {
	pool       sync.Pool
	bufferSize int
	reuseCount int64
	mu         sync.RWMutex
}

// NewBufferPool creates a new buffer pool with the specified buffer size
func NewBufferPool(bufferSize int) *BufferPool {
	bp := &BufferPool{
		bufferSize: bufferSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() []byte {
	bp.mu.Lock()
	bp.reuseCount++
	bp.mu.Unlock()

	buffer := bp.pool.Get().([]byte)
	return buffer[:cap(buffer)]
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buffer []byte) {
	if cap(buffer) != bp.bufferSize {
		return // Only accept buffers of the correct size
	}
	bp.pool.Put(buffer[:bp.bufferSize])
}

// GetStats returns pool statistics
func (bp *BufferPool) GetStats() BufferPoolStats {
	bp.mu.RLock()
	defer bp.mu.RUnlock()

	return BufferPoolStats{
		BufferSize: bp.bufferSize,
		ReuseCount: bp.reuseCount,
	}
}

// BufferPoolStats provides statistics about buffer pool usage
type BufferPoolStats struct {
	BufferSize int   `json:"buffer_size"`
	ReuseCount int64 `json:"reuse_count"`
}

// ObjectPools contains the buffer pools used throughout the agent
type ObjectPools struct {
	SmallBuffers *BufferPool // 32KB buffers, progress bodies and probes
	ChunkBuffers *BufferPool // 1MB buffers, download/upload streaming
}

// NewObjectPools creates and initializes all object pools
func NewObjectPools() *ObjectPools {
	return &ObjectPools{
		SmallBuffers: NewBufferPool(32 * 1024),
		ChunkBuffers: NewBufferPool(1024 * 1024),
	}
}

// GetBuffer returns an appropriate buffer based on size requirements
func (op *ObjectPools) GetBuffer(sizeHint int) ([]byte, func()) {
	pool := op.ChunkBuffers
	if sizeHint <= 32*1024 {
		pool = op.SmallBuffers
	}

	buffer := pool.Get()
	releaseFunc := func() {
		pool.Put(buffer)
	}

	return buffer, releaseFunc
}

// Global pool instance - initialized once per application
var GlobalPools *ObjectPools

// InitGlobalPools initializes the global object pools
func InitGlobalPools() {
	if GlobalPools == nil {
		GlobalPools = NewObjectPools()
	}
}

// GetGlobalPools returns the global object pools instance
func GetGlobalPools() *ObjectPools {
	if GlobalPools == nil {
		InitGlobalPools()
	}
	return GlobalPools
}
