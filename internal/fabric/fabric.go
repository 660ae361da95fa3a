// Package fabric declares the two collaborator interfaces the engine
// depends on but does not implement: the accelerator runtime and the
// one-sided communication fabric (spec §1, §6). Production wiring of a real
// RDMA library or accelerator driver is out of scope; examples/localfabric
// provides the in-memory stand-in that tests and the demo run against —
// mirroring the way the teacher's internal/interfaces.Backend lets
// backend.Memory stand in for a real block device while internal/uring
// talks to the real kernel.
package fabric

import (
	"context"
	"time"
)

// MemcpyKind selects the direction of a Memcpy call.
type MemcpyKind uint8

const (
	H2H MemcpyKind = iota
	H2D
	D2H
	D2D
)

// MemKind distinguishes a pointer's backing memory space.
type MemKind uint8

const (
	MemHost MemKind = iota
	MemDevice
)

// Stream is an opaque accelerator execution stream.
type Stream interface{ streamHandle() }

// Evt is an opaque accelerator event usable for async completion polling.
type Evt interface{ eventHandle() }

// AcceleratorRuntime is the subset of accelerator-driver primitives the
// engine assumes (spec §6): memory allocation, stream/event lifecycle,
// memcpy, and the VA-reservation calls used to back a contiguous cache
// across multiple physical pages.
type AcceleratorRuntime interface {
	MemAlloc(size uint64) (addr uint64, err error)
	Free(addr uint64) error
	MemAllocHost(size uint64) (addr uint64, err error)
	FreeHost(addr uint64) error

	StreamCreate() (Stream, error)
	StreamDestroy(s Stream) error
	StreamSync(ctx context.Context, s Stream) error
	StreamSyncWithTimeout(s Stream, timeout time.Duration) error
	StreamAbort(s Stream) error

	EventCreate() (Evt, error)
	EventDestroy(e Evt) error
	EventRecord(e Evt, s Stream) error
	// EventQueryStatus reports whether e has signalled yet without blocking.
	EventQueryStatus(e Evt) (done bool, err error)

	MemcpySync(dst, src uint64, size uint64, kind MemcpyKind) error
	MemcpyAsync(dst, src uint64, size uint64, kind MemcpyKind, s Stream) error
	// MemcpyBatch is optional; callers fall back to MemcpyAsync per op when
	// a runtime does not implement it (spec §6).
	MemcpyBatch(ops []MemcpyOp, s Stream) error

	CtxSetCurrent(deviceID int) error
	CtxGetCurrent() (deviceID int, err error)

	// ReserveMemAddress reserves a contiguous virtual address range without
	// backing it, so multiple physical pages can be mapped into one
	// contiguous cache address space.
	ReserveMemAddress(size uint64) (addr uint64, err error)
	MallocPhysical(size uint64, kind MemKind) (handle uint64, err error)
	MapMem(addr uint64, handle uint64, offset uint64) error
	UnmapMem(addr uint64, size uint64) error
	ReleaseMemAddress(addr uint64) error

	// PointerGetAttributes reports which memory space addr was allocated in.
	PointerGetAttributes(addr uint64) (MemKind, error)

	// ReadAt and WriteAt give CPU-side access to a host allocation (the
	// message buffer internal/linkmgr exchanges with a peer is host memory
	// precisely so the engine's own
	// goroutines, not just the accelerator, can read and write them
	// directly without a MemcpySync round trip).
	ReadAt(addr uint64, size uint64) ([]byte, error)
	WriteAt(addr uint64, data []byte) error
}

// MemcpyOp is one entry of a MemcpyBatch call.
type MemcpyOp struct {
	Dst, Src uint64
	Size     uint64
	Kind     MemcpyKind
}

// Comm is an opaque handle to an initialized fabric communicator.
type Comm interface{ commHandle() }

// MemHandle is an opaque handle returned by RegisterGlobalMem, bindable to
// any Comm.
type MemHandle interface{ memHandle() }

// OneSideDesc is one entry of a BatchPut/BatchGet descriptor list: a local
// address, the peer's remote address, and a byte count (spec §6:
// "{local_addr, remote_addr, count, dtype=u8}").
type OneSideDesc struct {
	LocalAddr  uint64
	RemoteAddr uint64
	Count      uint64
}

// PeerDescriptor exchanges connection info for one peer in LinkClusters
// (spec §4.1's {remote_cluster_id, remote_role_type, local_ips, remote_ips}).
type PeerDescriptor struct {
	RemoteClusterID uint64
	RemoteRoleType  string
	LocalIPs        []string
	RemoteIPs       []string
}

// RankTable is the collective-init configuration describing every peer in
// the cluster.
type RankTable struct {
	Peers []PeerDescriptor
}

// Fabric is the one-sided communication primitive set the engine assumes
// (spec §6). CommInit is documented as not re-entrant; callers (internal/
// linkmgr) serialize calls to it with a single process-wide mutex rather
// than relying on the implementation to do so internally (spec §9).
type Fabric interface {
	CommInit(table RankTable, localRank int, config map[string]string) (Comm, error)
	CommDestroy(c Comm) error

	CommBindMem(c Comm, h MemHandle) error
	CommUnbindMem(c Comm, h MemHandle) error
	RegisterGlobalMem(addr uint64, size uint64, kind MemKind) (MemHandle, error)
	UnregisterGlobalMem(h MemHandle) error

	BatchPut(c Comm, remoteRank int, descs []OneSideDesc, s Stream) error
	BatchGet(c Comm, remoteRank int, descs []OneSideDesc, s Stream) error

	CommPrepare(c Comm, config map[string]string, timeout time.Duration) error
	ExchangeMemDesc(c Comm, remoteRank int, local []OneSideDesc, timeout time.Duration) ([]OneSideDesc, error)
}
