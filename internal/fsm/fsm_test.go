package fsm_test

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
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/stats"
)

func newLinkedEntity(t *testing.T, mgr *cache.Manager, collected *[]*model.ResponseInfo) (*fsm.CommEntity, *localfabric.Runtime, *localfabric.Runtime) {
	t.Helper()
	net := localfabric.NewNetwork()
	localRT, remoteRT := localfabric.NewRuntime(), localfabric.NewRuntime()
	net.Join(0, localRT)
	net.Join(1, remoteRT)
	localFab := localfabric.NewFabric(net, 0, localRT)

	comm, err := localFab.CommInit(fabric.RankTable{}, 0, nil)
	require.NoError(t, err)
	stream, err := localRT.StreamCreate()
	require.NoError(t, err)

	deps := fsm.Deps{
		Manager:    mgr,
		Fabric:     localFab,
		Comm:       comm,
		Runtime:    localRT,
		RemoteRank: 1,
		Stream:     stream,
		Stats:      &stats.EntityStats{},
	}
	e := fsm.New("peer-1", deps, func(r *model.ResponseInfo) {
		*collected = append(*collected, r)
	})
	require.NoError(t, e.Activate())
	return e, localRT, remoteRT
}

func TestCommEntity_ActivateAndSubmitLifecycle(t *testing.T) {
	var responses []*model.ResponseInfo
	mgr := cache.NewManager(nil)
	e, _, _ := newLinkedEntity(t, mgr, &responses)
	assert.Equal(t, fsm.StateIdle, e.State())

	c := &model.Cache{CacheID: -1, Placement: model.Device, NumTensors: 1, CacheAddrs: []uint64{0x1000}, TensorSize: 16, BatchSize: 1, Stride: 16}
	id, err := mgr.RegisterCache(c, nil)
	require.NoError(t, err)

	req := &model.TransferCacheReq{CacheID: id, NumTensors: 1, PullSize: 8, DstPlacement: model.Device, DstAddrs: []uint64{0x2000}}
	require.NoError(t, e.Submit(req, time.Now()))
	assert.Equal(t, fsm.StateReceive, e.State())

	// A second Submit while one is in flight is rejected.
	err = e.Submit(req, time.Now())
	require.Error(t, err)
	assert.Equal(t, errs.LinkBusy, errs.CodeOf(err))
}

func TestCommEntity_DrivesD2DRequestToSuccessResponse(t *testing.T) {
	var responses []*model.ResponseInfo
	mgr := cache.NewManager(nil)
	e, localRT, remoteRT := newLinkedEntity(t, mgr, &responses)

	srcAddr, err := localRT.MemAlloc(16)
	require.NoError(t, err)
	require.NoError(t, localRT.WriteAt(srcAddr, []byte{5, 6, 7, 8}))
	dstAddr, err := remoteRT.MemAlloc(16)
	require.NoError(t, err)

	c := &model.Cache{CacheID: -1, Placement: model.Device, NumTensors: 1, CacheAddrs: []uint64{srcAddr}, TensorSize: 16, BatchSize: 1, Stride: 16}
	id, err := mgr.RegisterCache(c, nil)
	require.NoError(t, err)

	req := &model.TransferCacheReq{CacheID: id, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{dstAddr}, TimeoutMs: 5000}
	received := time.Now()
	require.NoError(t, e.Submit(req, received))

	ctx := context.Background()
	progressed, err := e.Tick(ctx) // preprocess
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, fsm.StateSend, e.State())

	progressed, err = e.Tick(ctx) // process: submit the put and record its event
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, fsm.StateSend, e.State())

	progressed, err = e.Tick(ctx) // process: event signalled -> done
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, fsm.StateIdle, e.State())

	require.Len(t, responses, 1)
	assert.Equal(t, int32(0), responses[0].RetCode)
	assert.Equal(t, uint32(1), responses[0].TransferCount)

	got, err := remoteRT.ReadAt(dstAddr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, got)
}

func TestCommEntity_ResolveFailureProducesErrorResponse(t *testing.T) {
	var responses []*model.ResponseInfo
	mgr := cache.NewManager(nil)
	e, _, _ := newLinkedEntity(t, mgr, &responses)

	req := &model.TransferCacheReq{CacheID: 999, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{0x1}}
	require.NoError(t, e.Submit(req, time.Now()))

	progressed, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, fsm.StateIdle, e.State())

	require.Len(t, responses, 1)
	assert.NotEqual(t, int32(0), responses[0].RetCode)
}

func TestCommEntity_DeadlineExceededProducesTimeoutResponse(t *testing.T) {
	var responses []*model.ResponseInfo
	mgr := cache.NewManager(nil)
	e, localRT, remoteRT := newLinkedEntity(t, mgr, &responses)

	srcAddr, err := localRT.MemAlloc(16)
	require.NoError(t, err)
	dstAddr, err := remoteRT.MemAlloc(16)
	require.NoError(t, err)

	c := &model.Cache{CacheID: -1, Placement: model.Device, NumTensors: 1, CacheAddrs: []uint64{srcAddr}, TensorSize: 16, BatchSize: 1, Stride: 16}
	id, err := mgr.RegisterCache(c, nil)
	require.NoError(t, err)

	req := &model.TransferCacheReq{CacheID: id, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{dstAddr}, TimeoutMs: 1}
	received := time.Now().Add(-time.Hour)
	require.NoError(t, e.Submit(req, received))

	_, err = e.Tick(context.Background()) // preprocess, not yet expired check (happens in process)
	require.NoError(t, err)

	progressed, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, fsm.StateIdle, e.State())

	require.Len(t, responses, 1)
	assert.Equal(t, errs.RetCodeOf(errs.New("", errs.Timeout, "")), responses[0].RetCode)
}

func TestLoop_RunOnceDrivesRegisteredEntityForward(t *testing.T) {
	var responses []*model.ResponseInfo
	mgr := cache.NewManager(nil)
	e, localRT, remoteRT := newLinkedEntity(t, mgr, &responses)

	srcAddr, err := localRT.MemAlloc(16)
	require.NoError(t, err)
	require.NoError(t, localRT.WriteAt(srcAddr, []byte{1, 1, 1, 1}))
	dstAddr, err := remoteRT.MemAlloc(16)
	require.NoError(t, err)

	c := &model.Cache{CacheID: -1, Placement: model.Device, NumTensors: 1, CacheAddrs: []uint64{srcAddr}, TensorSize: 16, BatchSize: 1, Stride: 16}
	id, err := mgr.RegisterCache(c, nil)
	require.NoError(t, err)

	req := &model.TransferCacheReq{CacheID: id, NumTensors: 1, PullSize: 4, DstPlacement: model.Device, DstAddrs: []uint64{dstAddr}, TimeoutMs: 5000}
	require.NoError(t, e.Submit(req, time.Now()))

	loop := fsm.NewLoop(time.Millisecond, nil, nil)
	loop.Add(e)

	ctx := context.Background()
	require.NoError(t, loop.RunOnce(ctx)) // preprocess
	require.NoError(t, loop.RunOnce(ctx)) // process: submit the put and record its event
	require.NoError(t, loop.RunOnce(ctx)) // process: event signalled -> done

	assert.Equal(t, fsm.StateIdle, e.State())
	require.Len(t, responses, 1)
	assert.Equal(t, int32(0), responses[0].RetCode)
}

func TestCommEntity_DestroyRefusesFurtherSubmit(t *testing.T) {
	var responses []*model.ResponseInfo
	mgr := cache.NewManager(nil)
	e, _, _ := newLinkedEntity(t, mgr, &responses)
	e.Destroy()
	assert.Equal(t, fsm.StateDestroyed, e.State())

	err := e.Submit(&model.TransferCacheReq{}, time.Now())
	require.Error(t, err)
}
