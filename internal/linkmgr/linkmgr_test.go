package linkmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/examples/localfabric"
	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/fsm"
	"github.com/kvxfer/engine/internal/linkmgr"
	"github.com/kvxfer/engine/internal/model"
)

// testPeer bundles one side of a link: its own Manager, Runtime, and
// cache.Manager, all sharing one Network with the other side.
type testPeer struct {
	mgr    *linkmgr.Manager
	rt     *localfabric.Runtime
	cache  *cache.Manager
	cancel context.CancelFunc
}

func (p *testPeer) close() {
	p.cancel()
	p.mgr.Close()
}

func newTestPeer(t *testing.T, net *localfabric.Network, rank int) *testPeer {
	t.Helper()
	rt := localfabric.NewRuntime()
	net.Join(rank, rt)
	fab := localfabric.NewFabric(net, rank, rt)
	cacheMgr := cache.NewManager(nil)
	loop := fsm.NewLoop(time.Millisecond, nil, nil)
	mgr := linkmgr.New(fab, rt, cacheMgr, loop, linkmgr.DefaultConfig(rank), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()

	return &testPeer{mgr: mgr, rt: rt, cache: cacheMgr, cancel: cancel}
}

func TestManager_LinkClusters_SingleAndDoubleLink(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	b := newTestPeer(t, net, 1)
	defer b.close()

	peer := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, time.Second))

	pl, ok := a.mgr.Link(1)
	require.True(t, ok)
	assert.Equal(t, 1, pl.RemoteRank)
	assert.Equal(t, fsm.StateIdle, pl.Entity().State())

	err := a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.AlreadyLink, errs.CodeOf(err))

	back := fabric.PeerDescriptor{RemoteClusterID: 0, RemoteRoleType: "prompt"}
	require.NoError(t, b.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{back}, time.Second))
}

func TestManager_LinkClusters_UnreachablePeerFailsExchange(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	// No peer ever joins rank 1 or calls ExchangeMemDesc for this pair, so
	// the exchange can never complete and LinkClusters must time out.
	peer := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	err := a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.LinkFailed, errs.CodeOf(err))
	_, ok := a.mgr.Link(1)
	assert.False(t, ok)
}

func TestManager_LinkClusters_PrepareFailureReturnsLinkFailed(t *testing.T) {
	net := localfabric.NewNetwork()
	localRT := localfabric.NewRuntime()
	net.Join(0, localRT)
	fab := localfabric.NewFabric(net, 0, localRT)
	fab.FailPrepare = true

	cfg := linkmgr.DefaultConfig(0)
	cfg.LinkRetryCount = 2
	mgr := linkmgr.New(fab, localRT, cache.NewManager(nil), fsm.NewLoop(time.Millisecond, nil, nil), cfg, nil)

	peer := fabric.PeerDescriptor{RemoteClusterID: 9}
	err := mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.LinkFailed, errs.CodeOf(err))

	_, ok := mgr.Link(9)
	assert.False(t, ok)
}

func TestManager_RegisterGlobalMem_BindsAndUnregisters(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	b := newTestPeer(t, net, 1)
	defer b.close()

	addr, err := a.rt.MemAlloc(4096)
	require.NoError(t, err)
	h, err := a.mgr.RegisterGlobalMem(addr, 4096, fabric.MemDevice)
	require.NoError(t, err)
	require.NotNil(t, h)

	peer := fabric.PeerDescriptor{RemoteClusterID: 1}
	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, time.Second))

	require.NoError(t, a.mgr.UnregisterGlobalMem(h))
}

func TestManager_SwitchRole(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	b := newTestPeer(t, net, 1)
	defer b.close()

	peer := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, time.Second))

	require.NoError(t, a.mgr.SwitchRole(1, "prompt"))
	pl, ok := a.mgr.Link(1)
	require.True(t, ok)
	assert.Equal(t, "prompt", pl.Peer.RemoteRoleType)

	err := a.mgr.SwitchRole(404, "prompt")
	require.Error(t, err)
	assert.Equal(t, errs.NotYetLink, errs.CodeOf(err))
}

func TestManager_UnlinkClusters_ForceAndNotFound(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	b := newTestPeer(t, net, 1)
	defer b.close()

	err := a.mgr.UnlinkClusters(context.Background(), []uint64{1}, false, time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.NotYetLink, errs.CodeOf(err))

	peer := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, time.Second))

	require.NoError(t, a.mgr.UnlinkClusters(context.Background(), []uint64{1}, true, time.Second))
	_, ok := a.mgr.Link(1)
	assert.False(t, ok)
}

func TestManager_UnlinkClusters_NonForceBusyThenDrains(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	b := newTestPeer(t, net, 1)
	defer b.close()

	peer := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peer}, time.Second))

	pl, ok := a.mgr.Link(1)
	require.True(t, ok)

	srcAddr, err := a.rt.MemAlloc(16)
	require.NoError(t, err)
	c := &model.Cache{CacheID: -1, Placement: model.Device, NumTensors: 1, CacheAddrs: []uint64{srcAddr}, TensorSize: 16, BatchSize: 1, Stride: 16}
	cacheID, err := a.cache.RegisterCache(c, nil)
	require.NoError(t, err)

	req := &model.TransferCacheReq{CacheID: cacheID, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{0x2000}, TimeoutMs: 5000}
	require.NoError(t, pl.Entity().Submit(req, time.Now()))

	err = a.mgr.UnlinkClusters(context.Background(), []uint64{1}, false, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.LinkBusy, errs.CodeOf(err))

	require.Eventually(t, func() bool {
		return pl.Entity().State() == fsm.StateIdle
	}, time.Second, time.Millisecond)

	require.NoError(t, a.mgr.UnlinkClusters(context.Background(), []uint64{1}, false, time.Second))
}

func TestManager_SendRequest_RoundTrip(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()
	b := newTestPeer(t, net, 1)
	defer b.close()

	peerForA := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peerForA}, time.Second))
	peerForB := fabric.PeerDescriptor{RemoteClusterID: 0, RemoteRoleType: "prompt"}
	require.NoError(t, b.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{peerForB}, time.Second))

	// B owns the cache the request pulls from and services requests pushed
	// into its request slot via its own fsm.CommEntity / poll loop.
	srcAddr, err := b.rt.MemAlloc(16)
	require.NoError(t, err)
	require.NoError(t, b.rt.WriteAt(srcAddr, []byte{1, 2, 3, 4}))
	c := &model.Cache{CacheID: -1, Placement: model.Device, NumTensors: 1, CacheAddrs: []uint64{srcAddr}, TensorSize: 16, BatchSize: 1, Stride: 16}
	cacheID, err := b.cache.RegisterCache(c, nil)
	require.NoError(t, err)

	dstAddr, err := a.rt.MemAlloc(16)
	require.NoError(t, err)

	plA, ok := a.mgr.Link(1)
	require.True(t, ok)

	req := &model.TransferCacheReq{
		CacheID:      cacheID,
		NumTensors:   1,
		PullSize:     4,
		DstPlacement: model.Device,
		DstAddrs:     []uint64{dstAddr},
		TimeoutMs:    2000,
	}

	resp, err := plA.SendRequest(context.Background(), a.mgr.Fabric(), a.mgr.Runtime(), plA.Stream(), req, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.RetCode)
	assert.Equal(t, uint32(1), resp.TransferCount)

	got, err := a.rt.ReadAt(dstAddr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestManager_SendRequest_BusyPeerGetsImmediateErrorResponse(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestPeer(t, net, 0)
	defer a.close()

	// B is built without ever starting its fsm.Loop, so once its entity is
	// driven busy directly it stays in StateReceive forever (no ticking
	// drains it back to Idle) while its Manager's own per-link request-poll
	// goroutine — started independently by LinkClusters — is still live to
	// receive A's pushed request and reject it.
	rtB := localfabric.NewRuntime()
	net.Join(1, rtB)
	fabB := localfabric.NewFabric(net, 1, rtB)
	mgrB := linkmgr.New(fabB, rtB, cache.NewManager(nil), fsm.NewLoop(time.Millisecond, nil, nil), linkmgr.DefaultConfig(1), nil)
	defer mgrB.Close()

	require.NoError(t, a.mgr.LinkClusters(context.Background(), []fabric.PeerDescriptor{{RemoteClusterID: 1}}, time.Second))
	require.NoError(t, mgrB.LinkClusters(context.Background(), []fabric.PeerDescriptor{{RemoteClusterID: 0}}, time.Second))

	plB, ok := mgrB.Link(0)
	require.True(t, ok)
	// Force B's entity busy directly, bypassing the wire path, so the
	// pushed request below is guaranteed to land while it's mid-flight.
	busyReq := &model.TransferCacheReq{CacheID: 999, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{0x1}}
	require.NoError(t, plB.Entity().Submit(busyReq, time.Now()))

	plA, ok := a.mgr.Link(1)
	require.True(t, ok)
	req := &model.TransferCacheReq{CacheID: 1, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{0x1}, TimeoutMs: 2000}

	resp, err := plA.SendRequest(context.Background(), a.mgr.Fabric(), a.mgr.Runtime(), plA.Stream(), req, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, errs.RetCodeOf(errs.New("test", errs.LinkBusy, "")), resp.RetCode)
}
