package kvxfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/examples/localfabric"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/kvxfer"
)

func minimalOptions(deviceID string) map[string]string {
	return map[string]string{
		"device_id":       deviceID,
		"role":            "mix",
		"mem_pool_config": `{"memory_size": 1048576}`,
	}
}

type testEngine struct {
	eng *kvxfer.Engine
	rt  *localfabric.Runtime
}

func newTestEngine(t *testing.T, net *localfabric.Network, rank int) *testEngine {
	t.Helper()
	rt := localfabric.NewRuntime()
	net.Join(rank, rt)
	fab := localfabric.NewFabric(net, rank, rt)

	eng, err := kvxfer.Initialize(fab, rt, minimalOptions(deviceIDStr(rank)), nil)
	require.NoError(t, err)

	return &testEngine{eng: eng, rt: rt}
}

func deviceIDStr(rank int) string {
	switch rank {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "2"
	}
}

func TestInitialize_RejectsInvalidOptions(t *testing.T) {
	net := localfabric.NewNetwork()
	rt := localfabric.NewRuntime()
	net.Join(0, rt)
	fab := localfabric.NewFabric(net, 0, rt)

	_, err := kvxfer.Initialize(fab, rt, map[string]string{}, nil)
	require.Error(t, err)
	assert.Equal(t, kvxfer.ParamInvalid, kvxfer.CodeOf(err))
}

func TestEngine_RegisterAndUnregister(t *testing.T) {
	net := localfabric.NewNetwork()
	e := newTestEngine(t, net, 0)
	defer e.eng.Finalize(context.Background(), time.Second)

	addr, err := e.rt.MemAlloc(16)
	require.NoError(t, err)

	id, err := e.eng.Register(kvxfer.CacheSpec{
		CacheID:    kvxfer.AutoAssignCacheID,
		Placement:  kvxfer.Device,
		NumTensors: 1,
		CacheAddrs: []uint64{addr},
		TensorSize: 16,
		BatchSize:  1,
		Stride:     16,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.eng.Unregister(id))
}

func TestEngine_Pull_RoundTrip(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestEngine(t, net, 0)
	defer a.eng.Finalize(context.Background(), time.Second)
	b := newTestEngine(t, net, 1)
	defer b.eng.Finalize(context.Background(), time.Second)

	peerForA := fabric.PeerDescriptor{RemoteClusterID: 1, RemoteRoleType: "decoder"}
	require.NoError(t, a.eng.LinkClusters(context.Background(), []fabric.PeerDescriptor{peerForA}, time.Second))
	peerForB := fabric.PeerDescriptor{RemoteClusterID: 0, RemoteRoleType: "prompt"}
	require.NoError(t, b.eng.LinkClusters(context.Background(), []fabric.PeerDescriptor{peerForB}, time.Second))

	// B owns the cache the pull resolves against.
	srcAddr, err := b.rt.MemAlloc(16)
	require.NoError(t, err)
	require.NoError(t, b.rt.WriteAt(srcAddr, []byte{5, 6, 7, 8}))
	cacheID, err := b.eng.Register(kvxfer.CacheSpec{
		CacheID:    kvxfer.AutoAssignCacheID,
		Placement:  kvxfer.Device,
		NumTensors: 1,
		CacheAddrs: []uint64{srcAddr},
		TensorSize: 16,
		BatchSize:  1,
		Stride:     16,
	}, nil)
	require.NoError(t, err)

	dstAddr, err := a.rt.MemAlloc(16)
	require.NoError(t, err)

	req := &kvxfer.TransferRequest{
		CacheID:      cacheID,
		NumTensors:   1,
		PullSize:     4,
		DstPlacement: kvxfer.Device,
		DstAddrs:     []uint64{dstAddr},
		TimeoutMs:    2000,
	}

	resp, err := a.eng.Pull(context.Background(), 1, req)
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.RetCode)
	assert.Equal(t, uint32(1), resp.TransferCount)

	got, err := a.rt.ReadAt(dstAddr, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, got)
}

func TestEngine_Pull_NotYetLinked(t *testing.T) {
	net := localfabric.NewNetwork()
	a := newTestEngine(t, net, 0)
	defer a.eng.Finalize(context.Background(), time.Second)

	_, err := a.eng.Pull(context.Background(), 1, &kvxfer.TransferRequest{CacheID: 0, NumTensors: 1})
	require.Error(t, err)
	assert.Equal(t, kvxfer.NotYetLink, kvxfer.CodeOf(err))
}

func TestEngine_Copy(t *testing.T) {
	net := localfabric.NewNetwork()
	e := newTestEngine(t, net, 0)
	defer e.eng.Finalize(context.Background(), time.Second)

	srcAddr, err := e.rt.MemAlloc(16)
	require.NoError(t, err)
	require.NoError(t, e.rt.WriteAt(srcAddr, []byte{9, 9, 9, 9}))
	srcID, err := e.eng.Register(kvxfer.CacheSpec{
		CacheID: kvxfer.AutoAssignCacheID, Placement: kvxfer.Device, NumTensors: 1,
		CacheAddrs: []uint64{srcAddr}, TensorSize: 16, BatchSize: 1, Stride: 16,
	}, nil)
	require.NoError(t, err)

	dstAddr, err := e.rt.MemAlloc(16)
	require.NoError(t, err)
	dstID, err := e.eng.Register(kvxfer.CacheSpec{
		CacheID: kvxfer.AutoAssignCacheID, Placement: kvxfer.Device, NumTensors: 1,
		CacheAddrs: []uint64{dstAddr}, TensorSize: 16, BatchSize: 1, Stride: 16,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, e.eng.Copy(context.Background(), srcID, dstID, nil, nil))

	got, err := e.rt.ReadAt(dstAddr, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, got[:4])
}

func TestEngine_Finalize_OK(t *testing.T) {
	net := localfabric.NewNetwork()
	e := newTestEngine(t, net, 0)

	status := e.eng.Finalize(context.Background(), time.Second)
	assert.True(t, status.OK())
}
