// Package kvxfer is the engine's thin public API: parameter validation and
// translation atop internal/linkmgr, internal/cache, and internal/transfer
// (spec §1 lists this wrapper itself as out of scope for the core design —
// it owns no algorithm, only the Initialize/Finalize/Link/Unlink/Pull/Push/
// Register/Unregister entry points a caller drives).
package kvxfer

import (
	"context"
	"fmt"
	"time"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/cachetable"
	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/fsm"
	"github.com/kvxfer/engine/internal/linkmgr"
	"github.com/kvxfer/engine/internal/logging"
	"github.com/kvxfer/engine/internal/pool"
	"github.com/kvxfer/engine/internal/stats"
)

// Engine is one initialized instance of the transfer engine: the servicing
// loop, the link manager, and the cache manager for one local process.
// Mirrors the teacher's ublk.Device, the single long-lived handle a caller
// keeps for a device's whole lifetime.
type Engine struct {
	opts   *Options
	fab    fabric.Fabric
	rt     fabric.AcceleratorRuntime
	logger *logging.Logger

	cacheMgr *cache.Manager
	table    *cachetable.Table
	loop     *fsm.Loop
	link     *linkmgr.Manager
	streams  *pool.StreamPool

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// Initialize validates rawOptions (spec §6), builds the cache manager, the
// servicing Loop, and the link manager, and starts the servicing loop's
// background goroutine. fab and rt are the caller's fabric/runtime
// collaborators (spec §1's "assumed external collaborators"); tests and the
// demo harness pass examples/localfabric's in-memory stand-ins.
func Initialize(fab fabric.Fabric, rt fabric.AcceleratorRuntime, rawOptions map[string]string, logger *logging.Logger) (*Engine, error) {
	opts, err := ParseOptions(rawOptions)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}

	// cacheMgr's onChange hook republishes the cache-access-table snapshot,
	// but the Table it republishes through is only built once cacheMgr
	// exists (cachetable.New(cacheMgr), inside linkmgr.New) — tbl is filled
	// in below before Initialize returns, and every onChange call after
	// that point sees a non-nil pointer.
	var tbl *cachetable.Table
	cacheMgr := cache.NewManager(func(*cache.Manager) {
		if tbl != nil {
			if err := tbl.UpdateTableBuffer(); err != nil {
				logger.Error("cache access table republish failed", "error", err)
			}
		}
	})

	loop := fsm.NewLoop(fsm.DefaultTickInterval, nil, logger)

	linkCfg := linkmgr.DefaultConfig(opts.DeviceID)
	linkCfg.LinkRetryCount = opts.LinkRetryCount
	if opts.HostMemPool != nil {
		linkCfg.BounceBuffers = constants.DefaultBufferNum
		linkCfg.BounceBufferSize = constants.DefaultBufferSize
	}

	mgr := linkmgr.New(fab, rt, cacheMgr, loop, linkCfg, logger)
	tbl = mgr.Table()

	streams := pool.NewStreamPool(rt, constants.DefaultCopyWorkers)

	loopCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:       opts,
		fab:        fab,
		rt:         rt,
		logger:     logger,
		cacheMgr:   cacheMgr,
		table:      tbl,
		loop:       loop,
		link:       mgr,
		streams:    streams,
		loopCtx:    loopCtx,
		loopCancel: cancel,
		loopDone:   make(chan struct{}),
	}

	go func() {
		defer close(e.loopDone)
		if err := loop.Run(loopCtx); err != nil && loopCtx.Err() == nil {
			logger.Error("servicing loop exited", "error", err)
		}
	}()

	e.logger.Info("engine initialized", "device_id", opts.DeviceID, "role", string(opts.Role))
	return e, nil
}

// FinalizeStatus aggregates the best-effort teardown outcome (spec §7:
// "Finalize is always best-effort: resource release errors are logged and
// aggregated into the returned status but do not block teardown").
type FinalizeStatus struct {
	UnlinkErrors map[uint64]error
	StreamsErr   error
}

// OK reports whether every resource released cleanly.
func (s FinalizeStatus) OK() bool { return len(s.UnlinkErrors) == 0 && s.StreamsErr == nil }

// Finalize drains every linked cluster (non-force, falling back to force if
// it doesn't drain within deadline), stops the servicing loop, and releases
// the stream pool. It always returns (a non-nil FinalizeStatus, even on
// partial failure) rather than erroring out of teardown early.
func (e *Engine) Finalize(ctx context.Context, deadline time.Duration) FinalizeStatus {
	status := FinalizeStatus{UnlinkErrors: make(map[uint64]error)}

	ids := e.link.LinkedClusterIDs()
	for _, id := range ids {
		unlinkCtx, cancel := context.WithTimeout(ctx, deadline)
		err := e.link.UnlinkClusters(unlinkCtx, []uint64{id}, false, deadline)
		cancel()
		if err != nil {
			e.logger.Warn("non-force unlink failed, forcing", "cluster_id", id, "error", err)
			forceCtx, forceCancel := context.WithTimeout(ctx, deadline)
			err = e.link.UnlinkClusters(forceCtx, []uint64{id}, true, deadline)
			forceCancel()
			if err != nil {
				status.UnlinkErrors[id] = err
				e.logger.Error("force unlink failed", "cluster_id", id, "error", err)
			}
		}
	}

	e.link.Close()
	e.loopCancel()
	<-e.loopDone
	if err := e.streams.Close(); err != nil {
		status.StreamsErr = fmt.Errorf("stream pool close: %w", err)
	}
	return status
}

// LinkClusters establishes a PeerLink with every descriptor in peers, in
// order (spec §4.1).
func (e *Engine) LinkClusters(ctx context.Context, peers []fabric.PeerDescriptor, timeout time.Duration) error {
	return e.link.LinkClusters(ctx, peers, timeout)
}

// UnlinkClusters tears down the named links. forceFlag skips the drain
// wait; without it, UnlinkClusters blocks until every in-flight request on
// that link completes or timeout elapses.
func (e *Engine) UnlinkClusters(ctx context.Context, clusterIDs []uint64, forceFlag bool, timeout time.Duration) error {
	return e.link.UnlinkClusters(ctx, clusterIDs, forceFlag, timeout)
}

// SwitchRole updates a linked peer's advertised role.
func (e *Engine) SwitchRole(clusterID uint64, role string) error {
	return e.link.SwitchRole(clusterID, role)
}

// RegisterGlobalMem registers addr/size with the fabric so it may be bound
// to any comm, including ones not yet linked (spec §4.1 step 2).
func (e *Engine) RegisterGlobalMem(addr, size uint64, kind fabric.MemKind) (fabric.MemHandle, error) {
	return e.link.RegisterGlobalMem(addr, size, kind)
}

// UnregisterGlobalMem unbinds and unregisters a previously registered
// memory handle.
func (e *Engine) UnregisterGlobalMem(h fabric.MemHandle) error {
	return e.link.UnregisterGlobalMem(h)
}

// Options returns the validated options Initialize built this Engine from.
func (e *Engine) Options() *Options { return e.opts }

// Stats exposes the per-stream/per-entity counters (spec §8's release/drain
// verification hooks into this).
func (e *Engine) Stats() *stats.Registry { return e.link.Stats() }
