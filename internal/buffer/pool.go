package buffer

import (
	"sort"
	"sync"
)

// BytePool recycles the scratch slices used to stage upload chunks.
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// NewBytePool creates a pool with one bucket per size. Requests round up to
// the smallest bucket that fits; larger requests are allocated directly.
func NewBytePool(sizes ...int) *BytePool {
	if len(sizes) == 0 {
		sizes = []int{
			64 << 10,
			320 << 10, // Graph upload fragment granularity
			1 << 20,
			4 << 20,
			10 << 20,
			16 << 20,
			64 << 20,
		}
	}
	sorted := append([]int(nil), sizes...)
	sort.Ints(sorted)

	pools := make(map[int]*sync.Pool, len(sorted))
	for _, size := range sorted {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}
	return &BytePool{pools: pools, sizes: sorted}
}

// Get returns a slice of length size.
func (p *BytePool) Get(size int) []byte {
	for _, bucket := range p.sizes {
		if bucket >= size {
			buf := p.pools[bucket].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its bucket. Slices that did not come from the pool are
// left to the garbage collector.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}
	pool, ok := p.pools[cap(buf)]
	if !ok {
		return
	}
	buf = buf[:cap(buf)]
	clear(buf)
	// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}, slice allocation is expected
	pool.Put(buf)
}

var defaultBytePool = NewBytePool()
