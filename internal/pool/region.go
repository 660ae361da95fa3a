package pool

import (
	"sync"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
)

// RegionPool is a capacity-bounded pool of fixed-size pages backing one of
// the engine's owned device or host memory pools (spec §5, §6's
// mem_pool_config/host_mem_pool_config). Allocation scans the busy map,
// which is O(capacity) as the spec states explicitly rather than leaving
// it unspecified.
type RegionPool struct {
	rt       fabric.AcceleratorRuntime
	kind     fabric.MemKind
	pageSize uint64

	mu    sync.Mutex
	busy  map[uint64]bool
	freed map[uint64]bool // pages explicitly released by Close, guards double-free
	order []uint64        // stable iteration order for the O(capacity) scan
}

// NewRegionPool allocates capacity/pageSize pages up front from rt (device
// pages via MemAlloc, host pages via MemAllocHost) and returns a pool ready
// to hand them out. capacity is rounded down to a page-size multiple.
func NewRegionPool(rt fabric.AcceleratorRuntime, kind fabric.MemKind, capacity, pageSize uint64) (*RegionPool, error) {
	const op = "pool.NewRegionPool"
	if pageSize == 0 {
		return nil, errs.New(op, errs.ParamInvalid, "pageSize must be > 0")
	}
	n := capacity / pageSize
	p := &RegionPool{
		rt:       rt,
		kind:     kind,
		pageSize: pageSize,
		busy:     make(map[uint64]bool, n),
		freed:    make(map[uint64]bool, n),
		order:    make([]uint64, 0, n),
	}
	for i := uint64(0); i < n; i++ {
		addr, err := p.allocPage()
		if err != nil {
			p.Close()
			return nil, errs.Wrap(op, errs.OutOfMemory, err, "backing allocation failed")
		}
		p.busy[addr] = false
		p.order = append(p.order, addr)
	}
	return p, nil
}

func (p *RegionPool) allocPage() (uint64, error) {
	if p.kind == fabric.MemDevice {
		return p.rt.MemAlloc(p.pageSize)
	}
	return p.rt.MemAllocHost(p.pageSize)
}

func (p *RegionPool) freePage(addr uint64) error {
	if p.kind == fabric.MemDevice {
		return p.rt.Free(addr)
	}
	return p.rt.FreeHost(addr)
}

// Alloc returns the address of a free page and marks it busy, or
// OutOfMemory if every page is in use.
func (p *RegionPool) Alloc() (uint64, error) {
	const op = "pool.RegionPool.Alloc"
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range p.order {
		if !p.busy[addr] {
			p.busy[addr] = true
			return addr, nil
		}
	}
	return 0, errs.New(op, errs.OutOfMemory, "no free pages in pool")
}

// Free marks addr free again. It returns Internal if addr is not a page
// owned by this pool, already free (double-free), or was already released
// by Close.
func (p *RegionPool) Free(addr uint64) error {
	const op = "pool.RegionPool.Free"
	p.mu.Lock()
	defer p.mu.Unlock()
	busy, owned := p.busy[addr]
	if !owned {
		return errs.Newf(op, errs.Internal, "addr %#x is not owned by this pool", addr)
	}
	if p.freed[addr] {
		return errs.Newf(op, errs.Internal, "addr %#x was already released by Close", addr)
	}
	if !busy {
		return errs.Newf(op, errs.Internal, "double free of addr %#x", addr)
	}
	p.busy[addr] = false
	return nil
}

// Capacity returns the total number of pages in the pool.
func (p *RegionPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// InUse returns the number of currently busy pages.
func (p *RegionPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, busy := range p.busy {
		if busy {
			n++
		}
	}
	return n
}

// Close releases every backing page exactly once, regardless of whether it
// is currently marked busy (Finalize is best-effort per spec §7). Calling
// Close twice is a no-op for pages already released.
func (p *RegionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, addr := range p.order {
		if p.freed[addr] {
			continue
		}
		p.freed[addr] = true
		if err := p.freePage(addr); err != nil && first == nil {
			first = err
		}
	}
	return first
}
