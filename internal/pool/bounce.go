package pool

import (
	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
)

// DefaultBounceBufferCount / DefaultBounceBufferSize alias the shared H2D
// staging-pipeline defaults (spec §4.6) so callers here don't need to import
// internal/constants directly.
const (
	DefaultBounceBufferCount = constants.DefaultBufferNum
	DefaultBounceBufferSize  = constants.DefaultBufferSize
)

// BounceBuffer is one rotating device staging buffer owned by an H2D job.
type BounceBuffer struct {
	Addr uint64
	Size uint64
}

// BounceBufferPool owns the fixed rotating set of device buffers an H2D job
// stages host data through before a one-sided put (spec §4.6's
// kDefaultBufferNum rotating buffers of buffer_size each). Unlike
// RegionPool, the set is small and fixed, so a simple round-robin index
// suffices; the job itself tracks each buffer's per-buffer state machine.
type BounceBufferPool struct {
	rt      fabric.AcceleratorRuntime
	buffers []BounceBuffer
}

// NewBounceBufferPool allocates count device buffers of size bytes each.
func NewBounceBufferPool(rt fabric.AcceleratorRuntime, count int, size uint64) (*BounceBufferPool, error) {
	const op = "pool.NewBounceBufferPool"
	p := &BounceBufferPool{rt: rt, buffers: make([]BounceBuffer, 0, count)}
	for i := 0; i < count; i++ {
		addr, err := rt.MemAlloc(size)
		if err != nil {
			p.Close()
			return nil, errs.Wrap(op, errs.OutOfMemory, err, "bounce buffer allocation failed")
		}
		p.buffers = append(p.buffers, BounceBuffer{Addr: addr, Size: size})
	}
	return p, nil
}

// Buffers returns the fixed set of buffers in rotation order. The H2D job
// indexes into this slice directly (buffer A / buffer B) rather than
// checking buffers in and out, since there are only ever count of them and
// each buffer's own state machine already tracks whether it is busy.
func (p *BounceBufferPool) Buffers() []BounceBuffer {
	return p.buffers
}

// Close frees every buffer in the pool.
func (p *BounceBufferPool) Close() error {
	var first error
	for _, b := range p.buffers {
		if err := p.rt.Free(b.Addr); err != nil && first == nil {
			first = err
		}
	}
	p.buffers = nil
	return first
}
