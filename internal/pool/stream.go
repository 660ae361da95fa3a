package pool

import (
	"sync"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
)

// StreamPool hands out idle accelerator streams under a single pool mutex
// (spec §5). Streams are created lazily up to a fixed cap and recycled on
// Put rather than destroyed, since stream create/destroy is comparatively
// expensive.
type StreamPool struct {
	rt  fabric.AcceleratorRuntime
	cap int

	mu      sync.Mutex
	idle    []fabric.Stream
	created int
}

// NewStreamPool returns a pool that will lazily create up to cap streams.
func NewStreamPool(rt fabric.AcceleratorRuntime, cap int) *StreamPool {
	return &StreamPool{rt: rt, cap: cap}
}

// Get returns an idle stream, creating a new one if the pool is empty and
// under capacity, or OutOfMemory if the cap is already reached.
func (p *StreamPool) Get() (fabric.Stream, error) {
	const op = "pool.StreamPool.Get"
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	if p.created >= p.cap {
		p.mu.Unlock()
		return nil, errs.New(op, errs.OutOfMemory, "stream pool exhausted")
	}
	p.created++
	p.mu.Unlock()

	s, err := p.rt.StreamCreate()
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, errs.Wrap(op, errs.Internal, err, "StreamCreate failed")
	}
	return s, nil
}

// Put returns a stream to the idle set.
func (p *StreamPool) Put(s fabric.Stream) {
	p.mu.Lock()
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Close destroys every stream currently idle in the pool. Streams checked
// out at the time of Close are the caller's responsibility.
func (p *StreamPool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var first error
	for _, s := range idle {
		if err := p.rt.StreamDestroy(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}
