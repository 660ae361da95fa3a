// Package linkmgr implements LinkClusters/UnlinkClusters/SwitchRole (spec
// §4.1) and owns the CommEntity lifecycle for every peer link, grounded on
// the teacher's internal/ctrl.Controller device lifecycle
// (AddDevice->SetParams->StartDevice->StopDevice->DeleteDevice), generalized
// from one ublk character device to N peer comms: CommInit+CommBindMem is
// AddDevice, ExchangeMemDesc is SetParams, CommPrepare (with retries) is
// StartDevice, and UnlinkClusters is StopDevice+DeleteDevice in one call.
package linkmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/cachetable"
	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/fsm"
	"github.com/kvxfer/engine/internal/logging"
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/pool"
	"github.com/kvxfer/engine/internal/stats"
)

// Config bundles LinkClusters' retry knob (spec §6's link_retry_count).
// The CommPrepare time budget is the timeout passed to LinkClusters, split
// evenly across the attempts; link_total_time_s is not read here.
type Config struct {
	LocalRank      int
	LinkRetryCount int
	// BounceBuffers, if non-zero, gives every entity an H2D staging pool so
	// it can resolve H2D transfers; zero disables H2D on every entity this
	// Manager creates.
	BounceBuffers    int
	BounceBufferSize uint64
}

// DefaultConfig returns link-retry defaults from internal/constants.
func DefaultConfig(localRank int) Config {
	return Config{
		LocalRank:        localRank,
		LinkRetryCount:   constants.DefaultLinkRetryCount,
		BounceBuffers:    constants.DefaultBufferNum,
		BounceBufferSize: constants.DefaultBufferSize,
	}
}

// Manager owns every PeerLink for one local process, the shared servicing
// Loop they register their CommEntity with, and the one CacheManager/Table
// pair published to every peer.
type Manager struct {
	fab fabric.Fabric
	rt  fabric.AcceleratorRuntime

	cacheMgr *cache.Manager
	table    *cachetable.Table
	loop     *fsm.Loop
	statsReg *stats.Registry
	logger   *logging.Logger
	cfg      Config
	mem      *memRegistry

	// initMu serializes CommInit/CommPrepare across every peer, since the
	// fabric's collective-init primitive is not re-entrant (spec §4.1 step
	// 1, mirroring the teacher's single controlFd being the only thing
	// AddDevice ever touches).
	initMu sync.Mutex

	mu    sync.Mutex
	links map[uint64]*PeerLink // keyed by RemoteClusterID

	// bgCtx outlives any single LinkClusters/UnlinkClusters call and backs
	// every peer's request-poll goroutine; it is cancelled by Close, not by
	// whatever short-lived ctx a caller passed to LinkClusters.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New returns an empty Manager. loop is the shared servicing thread every
// created CommEntity registers with; callers run loop.Run in its own
// goroutine. Call Close when done to stop every peer's poll goroutine.
func New(fab fabric.Fabric, rt fabric.AcceleratorRuntime, cacheMgr *cache.Manager, loop *fsm.Loop, cfg Config, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		fab:      fab,
		rt:       rt,
		cacheMgr: cacheMgr,
		table:    cachetable.New(cacheMgr),
		loop:     loop,
		statsReg: stats.NewRegistry(),
		logger:   logger,
		cfg:      cfg,
		mem:      newMemRegistry(),
		links:    make(map[uint64]*PeerLink),
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
}

// Close stops every peer's request-poll goroutine. It does not tear down
// existing comms — callers that also want that should call UnlinkClusters
// for every linked cluster first.
func (m *Manager) Close() {
	m.bgCancel()
}

// RegisterGlobalMem registers addr/size with the fabric and binds it to
// every currently linked peer's comm, then records it so future
// LinkClusters calls bind it too (spec §4.1 step 2).
func (m *Manager) RegisterGlobalMem(addr uint64, size uint64, kind fabric.MemKind) (fabric.MemHandle, error) {
	const op = "linkmgr.Manager.RegisterGlobalMem"
	h, err := m.fab.RegisterGlobalMem(addr, size, kind)
	if err != nil {
		return nil, errs.Wrap(op, errs.Internal, err, "register global memory")
	}

	m.mu.Lock()
	peers := make([]*PeerLink, 0, len(m.links))
	for _, pl := range m.links {
		peers = append(peers, pl)
	}
	m.mu.Unlock()

	for _, pl := range peers {
		if err := m.fab.CommBindMem(pl.comm, h); err != nil {
			return nil, errs.Wrap(op, errs.Internal, err, fmt.Sprintf("bind to peer %d", pl.Peer.RemoteClusterID))
		}
	}

	m.mem.add(registeredMem{addr: addr, size: size, kind: kind, handle: h})
	return h, nil
}

// UnregisterGlobalMem unbinds h from every currently linked peer's comm,
// unregisters it with the fabric, and drops it from the registry so future
// LinkClusters calls stop binding it.
func (m *Manager) UnregisterGlobalMem(h fabric.MemHandle) error {
	const op = "linkmgr.Manager.UnregisterGlobalMem"
	m.mu.Lock()
	peers := make([]*PeerLink, 0, len(m.links))
	for _, pl := range m.links {
		peers = append(peers, pl)
	}
	m.mu.Unlock()

	for _, pl := range peers {
		if err := m.fab.CommUnbindMem(pl.comm, h); err != nil {
			return errs.Wrap(op, errs.Internal, err, fmt.Sprintf("unbind from peer %d", pl.Peer.RemoteClusterID))
		}
	}
	if err := m.fab.UnregisterGlobalMem(h); err != nil {
		return errs.Wrap(op, errs.Internal, err, "unregister global memory")
	}
	m.mem.remove(h)
	return nil
}

// Table returns the Manager's CacheAccessTable publisher, so callers can
// wire it into the CacheManager's onChange hook.
func (m *Manager) Table() *cachetable.Table { return m.table }

// LinkClusters creates one PeerLink per peer descriptor, in order (spec
// §4.1: "given an ordered list of peer descriptors"); each peer's fabric
// rank is derived from its RemoteClusterID (see linkOne), not its position
// in this list. It stops at the first peer that fails to link, without
// trying the peers after it; earlier successful links stay intact and that
// first error is returned, mirroring the teacher's one-controller-call-per-device
// pattern (there is no multi-device rollback in AddDevice either).
func (m *Manager) LinkClusters(ctx context.Context, peers []fabric.PeerDescriptor, timeout time.Duration) error {
	const op = "linkmgr.Manager.LinkClusters"
	for i, peer := range peers {
		if err := m.linkOne(ctx, peer, timeout); err != nil {
			return errs.Wrap(op, errs.CodeOf(err), err, fmt.Sprintf("peer %d (cluster %d)", i, peer.RemoteClusterID))
		}
	}
	return nil
}

// linkOne builds one PeerLink. The fabric's one-sided primitives identify a
// peer by an integer rank that must be consistent cluster-wide (it indexes
// straight into the transport's global rank table, not this call's peer
// list), so remoteRank is derived from RemoteClusterID itself rather than
// from position in peers — the cluster ID already is the stable, globally
// unique identifier the rank table is built around.
func (m *Manager) linkOne(ctx context.Context, peer fabric.PeerDescriptor, timeout time.Duration) error {
	const op = "linkmgr.Manager.linkOne"
	remoteRank := int(peer.RemoteClusterID)

	m.mu.Lock()
	if _, exists := m.links[peer.RemoteClusterID]; exists {
		m.mu.Unlock()
		return errs.Newf(op, errs.AlreadyLink, "cluster %d already linked", peer.RemoteClusterID)
	}
	m.mu.Unlock()

	m.initMu.Lock()
	comm, err := m.fab.CommInit(fabric.RankTable{Peers: []fabric.PeerDescriptor{peer}}, m.cfg.LocalRank, nil)
	if err != nil {
		m.initMu.Unlock()
		return errs.Wrap(op, errs.LinkFailed, err, "CommInit")
	}
	if err := m.mem.bindAll(m.fab, comm); err != nil {
		m.initMu.Unlock()
		return errs.Wrap(op, errs.LinkFailed, err, "bind registered memory to new comm")
	}

	retryCount := m.cfg.LinkRetryCount
	if retryCount <= 0 {
		retryCount = constants.DefaultLinkRetryCount
	}
	perAttempt := timeout / time.Duration(retryCount)
	var prepareErr error
	for attempt := 0; attempt < retryCount; attempt++ {
		if ctx.Err() != nil {
			prepareErr = ctx.Err()
			break
		}
		prepareErr = m.fab.CommPrepare(comm, nil, perAttempt)
		if prepareErr == nil {
			break
		}
		m.logger.Warn("comm prepare attempt failed", "cluster_id", peer.RemoteClusterID, "attempt", attempt+1, "error", prepareErr)
	}
	m.initMu.Unlock()
	if prepareErr != nil {
		_ = m.fab.CommDestroy(comm)
		return errs.Wrap(op, errs.LinkFailed, prepareErr, "CommPrepare exhausted retries")
	}

	localMsgAddr, err := m.rt.MemAllocHost(constants.MessageBufferSize)
	if err != nil {
		_ = m.fab.CommDestroy(comm)
		return errs.Wrap(op, errs.OutOfMemory, err, "allocate message buffer")
	}
	tableAddr, err := m.rt.MemAlloc(constants.CacheAccessTableRegionSize)
	if err != nil {
		_ = m.rt.FreeHost(localMsgAddr)
		_ = m.fab.CommDestroy(comm)
		return errs.Wrap(op, errs.OutOfMemory, err, "allocate cache-access-table region")
	}

	local := []fabric.OneSideDesc{{LocalAddr: localMsgAddr, Count: constants.MessageBufferSize}}
	remote, err := m.fab.ExchangeMemDesc(comm, remoteRank, local, timeout)
	if err != nil || len(remote) == 0 {
		_ = m.rt.Free(tableAddr)
		_ = m.rt.FreeHost(localMsgAddr)
		_ = m.fab.CommDestroy(comm)
		return errs.Wrap(op, errs.LinkFailed, err, "exchange message-buffer descriptor")
	}
	// ExchangeMemDesc returns the peer's own descriptor list, i.e. each
	// entry's LocalAddr is the peer's address for that region from their
	// side — exactly the address this side must use as RemoteAddr in a
	// later BatchPut/BatchGet targeting them.

	stream, err := m.rt.StreamCreate()
	if err != nil {
		_ = m.rt.Free(tableAddr)
		_ = m.rt.FreeHost(localMsgAddr)
		_ = m.fab.CommDestroy(comm)
		return errs.Wrap(op, errs.Internal, err, "create transfer stream")
	}

	var bounce *pool.BounceBufferPool
	if m.cfg.BounceBuffers > 0 {
		bounce, err = pool.NewBounceBufferPool(m.rt, m.cfg.BounceBuffers, m.cfg.BounceBufferSize)
		if err != nil {
			_ = m.rt.StreamDestroy(stream)
			_ = m.rt.Free(tableAddr)
			_ = m.rt.FreeHost(localMsgAddr)
			_ = m.fab.CommDestroy(comm)
			return errs.Wrap(op, errs.OutOfMemory, err, "allocate H2D bounce buffers")
		}
	}

	pl := &PeerLink{
		Peer:          peer,
		RemoteRank:    remoteRank,
		comm:          comm,
		stream:        stream,
		localMsgAddr:  localMsgAddr,
		localMsgSize:  constants.MessageBufferSize,
		remoteMsgAddr: remote[0].LocalAddr,
		tableAddr:     tableAddr,
		state:         linkActive,
	}

	entityID := fmt.Sprintf("peer-%d", peer.RemoteClusterID)
	deps := fsm.Deps{
		Manager:    m.cacheMgr,
		Fabric:     m.fab,
		Comm:       comm,
		Runtime:    m.rt,
		RemoteRank: remoteRank,
		Stream:     stream,
		Bounce:     bounce,
		Stats:      m.statsReg.Entity(entityID),
		Logger:     m.logger,
	}
	pl.entity = fsm.New(entityID, deps, func(resp *model.ResponseInfo) {
		if err := pl.sendResponse(m.fab, stream, resp); err != nil {
			m.logger.Error("failed to push response to peer", "cluster_id", peer.RemoteClusterID, "error", err)
		}
	})
	if err := pl.entity.Activate(); err != nil {
		_ = m.rt.StreamDestroy(stream)
		_ = m.rt.Free(tableAddr)
		_ = m.rt.FreeHost(localMsgAddr)
		_ = m.fab.CommDestroy(comm)
		return errs.Wrap(op, errs.Internal, err, "activate entity")
	}

	if err := m.publishTable(pl); err != nil {
		m.logger.Warn("initial cache-access-table publish failed", "cluster_id", peer.RemoteClusterID, "error", err)
	}

	m.loop.Add(pl.entity)
	go m.pollLoop(m.bgCtx, pl)

	m.mu.Lock()
	m.links[peer.RemoteClusterID] = pl
	m.mu.Unlock()
	return nil
}

// publishTable marshals the current CacheAccessTable snapshot into pl's
// device region (spec §4.1 step 5). Readers on the peer side are expected
// to re-fetch it whenever the version they last saw is stale.
func (m *Manager) publishTable(pl *PeerLink) error {
	const op = "linkmgr.Manager.publishTable"
	buf, _ := m.table.Bytes()
	if err := m.rt.WriteAt(pl.tableAddr, buf); err != nil {
		return errs.Wrap(op, errs.Internal, err, "write table snapshot")
	}
	return nil
}

// pollLoop repeatedly checks pl's request slot for a pushed request until
// ctx is cancelled or the link is closed — the fabric has no blocking
// completion notification (same limitation documented on fsm.Loop.Run), so
// this is a second poll loop alongside the FSM's own tick loop.
func (m *Manager) pollLoop(ctx context.Context, pl *PeerLink) {
	ticker := time.NewTicker(fsm.DefaultTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			state := pl.state
			m.mu.Unlock()
			if state == linkClosed {
				return
			}
			if state == linkDraining {
				// Draining: let the in-flight request (if any) finish and
				// reply, but stop accepting newly pushed ones so the link
				// can actually reach Idle for UnlinkClusters to observe.
				continue
			}
			if err := pl.pollRequest(m.fab, pl.stream, m.rt); err != nil {
				m.logger.Error("request poll failed", "cluster_id", pl.Peer.RemoteClusterID, "error", err)
			}
		}
	}
}

// UnlinkClusters tears down one or more peer links. In non-force mode, a
// link whose entity is not Idle within timeout is left untouched and
// reported as LinkBusy (spec §4.1); force mode destroys it regardless.
func (m *Manager) UnlinkClusters(ctx context.Context, clusterIDs []uint64, forceFlag bool, timeout time.Duration) error {
	const op = "linkmgr.Manager.UnlinkClusters"
	var firstErr error
	for _, id := range clusterIDs {
		if err := m.unlinkOne(ctx, id, forceFlag, timeout); err != nil && firstErr == nil {
			firstErr = errs.Wrap(op, errs.CodeOf(err), err, fmt.Sprintf("cluster %d", id))
		}
	}
	return firstErr
}

func (m *Manager) unlinkOne(ctx context.Context, clusterID uint64, forceFlag bool, timeout time.Duration) error {
	const op = "linkmgr.Manager.unlinkOne"
	m.mu.Lock()
	pl, ok := m.links[clusterID]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(op, errs.NotYetLink, "cluster %d is not linked", clusterID)
	}

	if !forceFlag {
		m.mu.Lock()
		pl.state = linkDraining
		m.mu.Unlock()

		deadline := time.Now().Add(timeout)
		for pl.entity.State() != fsm.StateIdle {
			if time.Now().After(deadline) {
				m.mu.Lock()
				pl.state = linkActive
				m.mu.Unlock()
				return errs.Newf(op, errs.LinkBusy, "cluster %d has an in-flight request", clusterID)
			}
			select {
			case <-ctx.Done():
				m.mu.Lock()
				pl.state = linkActive
				m.mu.Unlock()
				return errs.Wrap(op, errs.LinkBusy, ctx.Err(), "context done waiting for drain")
			case <-time.After(fsm.DefaultTickInterval):
			}
		}
	}

	m.mu.Lock()
	pl.state = linkClosed
	delete(m.links, clusterID)
	m.mu.Unlock()

	m.loop.Remove(pl.entity.ID())
	pl.entity.Destroy()

	var firstErr error
	if err := m.fab.CommDestroy(pl.comm); err != nil && firstErr == nil {
		firstErr = errs.Wrap(op, errs.UnlinkFailed, err, "CommDestroy")
	}
	if err := m.rt.Free(pl.tableAddr); err != nil && firstErr == nil {
		firstErr = errs.Wrap(op, errs.UnlinkFailed, err, "free table region")
	}
	if err := m.rt.FreeHost(pl.localMsgAddr); err != nil && firstErr == nil {
		firstErr = errs.Wrap(op, errs.UnlinkFailed, err, "free message buffer")
	}
	return firstErr
}

// SwitchRole updates the role a peer link advertises to the remote cluster
// (spec §4.1's RemoteRoleType; e.g. flipping a link between prompt and
// decoder role after a failover). It takes effect on the peer link record
// only — it does not re-run CommInit/CommPrepare, matching the teacher's
// Controller having no "re-add" path short of DeleteDevice+AddDevice.
func (m *Manager) SwitchRole(clusterID uint64, role string) error {
	const op = "linkmgr.Manager.SwitchRole"
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[clusterID]
	if !ok {
		return errs.Newf(op, errs.NotYetLink, "cluster %d is not linked", clusterID)
	}
	pl.Peer.RemoteRoleType = role
	return nil
}

// Link returns the PeerLink for clusterID, for callers (the kvxfer root
// package's Pull/Push) that need to issue outbound requests over it.
func (m *Manager) Link(clusterID uint64) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[clusterID]
	return pl, ok
}

// LinkedClusterIDs returns every currently linked peer's cluster id, for
// callers (Finalize) that need to drain every link without already knowing
// the set.
func (m *Manager) LinkedClusterIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	return ids
}

// Stats exposes the per-entity counters every PeerLink's CommEntity feeds.
func (m *Manager) Stats() *stats.Registry { return m.statsReg }

// Fabric and Runtime expose the collaborators Manager was built with, for
// callers (the kvxfer root package's Pull/Push) that need to drive a
// PeerLink's outbound SendRequest themselves.
func (m *Manager) Fabric() fabric.Fabric              { return m.fab }
func (m *Manager) Runtime() fabric.AcceleratorRuntime { return m.rt }
