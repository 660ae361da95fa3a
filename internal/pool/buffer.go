// Package pool implements the engine's memory pools: a host-staging byte
// buffer pool (spec §5's "scalable page-backed pools, bounce buffers"), a
// capacity-bounded device/host region pool (spec §5's "reg-buffer pools are
// capacity-bounded maps of addr -> busy"), a stream pool, and the H2D job's
// rotating bounce buffers (spec §4.6).
package pool

import "sync"

// Host-staging buffer size buckets, generalized from the teacher's
// 128KB/256KB/512KB/1MB ladder (internal/queue/pool.go) up one rung to
// cover the 4 MiB max_block_size a single TaskBatcher slice can reach
// (spec §4.9).
const (
	size128k = 128 * 1024
	size256k = 256 * 1024
	size512k = 512 * 1024
	size1m   = 1024 * 1024
	size4m   = 4 * 1024 * 1024
)

var bufferPool = struct {
	p128k, p256k, p512k, p1m, p4m sync.Pool
}{
	p128k: sync.Pool{New: func() any { b := make([]byte, size128k); return &b }},
	p256k: sync.Pool{New: func() any { b := make([]byte, size256k); return &b }},
	p512k: sync.Pool{New: func() any { b := make([]byte, size512k); return &b }},
	p1m:   sync.Pool{New: func() any { b := make([]byte, size1m); return &b }},
	p4m:   sync.Pool{New: func() any { b := make([]byte, size4m); return &b }},
}

// GetBuffer returns a pooled byte buffer of at least size bytes. Callers
// must return it with PutBuffer.
func GetBuffer(size uint64) []byte {
	switch {
	case size <= size128k:
		return (*bufferPool.p128k.Get().(*[]byte))[:size]
	case size <= size256k:
		return (*bufferPool.p256k.Get().(*[]byte))[:size]
	case size <= size512k:
		return (*bufferPool.p512k.Get().(*[]byte))[:size]
	case size <= size1m:
		return (*bufferPool.p1m.Get().(*[]byte))[:size]
	case size <= size4m:
		return (*bufferPool.p4m.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns buf to the pool its capacity belongs to. Buffers with a
// non-standard capacity (e.g. sliced by a caller) are dropped rather than
// pooled, same as the teacher.
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size128k:
		bufferPool.p128k.Put(&buf)
	case size256k:
		bufferPool.p256k.Put(&buf)
	case size512k:
		bufferPool.p512k.Put(&buf)
	case size1m:
		bufferPool.p1m.Put(&buf)
	case size4m:
		bufferPool.p4m.Put(&buf)
	}
}
