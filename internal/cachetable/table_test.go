package cachetable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/cachetable"
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/wire"
)

func TestTable_EmptyPublishedAtVersionZero(t *testing.T) {
	mgr := cache.NewManager(nil)
	tbl := cachetable.New(mgr)

	buf, version := tbl.Bytes()
	assert.Equal(t, uint64(0), version)

	snap, err := wire.UnmarshalTable(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.Version)
	assert.Empty(t, snap.Entries)
}

func TestTable_UpdateReflectsManagerState(t *testing.T) {
	var tbl *cachetable.Table
	mgr := cache.NewManager(func(m *cache.Manager) { tbl.UpdateTableBuffer() })
	tbl = cachetable.New(mgr)

	k := model.NewCacheKey(1, -1, 0, 42, model.MaxPrefixID, 7, false)
	c := &model.Cache{
		CacheID:    -1,
		Placement:  model.Device,
		Layout:     model.Contiguous,
		NumTensors: 1,
		CacheAddrs: []uint64{0x1000},
		TensorSize: 4096,
		Stride:     1024,
	}
	id, err := mgr.RegisterCache(c, []model.CacheKey{k})
	require.NoError(t, err)

	buf, version := tbl.Bytes()
	assert.Equal(t, uint64(1), version)

	snap, err := wire.UnmarshalTable(buf)
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, id, snap.Entries[0].CacheID)
	require.Len(t, snap.Entries[0].Keys, 1)
	assert.Equal(t, uint64(42), snap.Entries[0].Keys[0].ReqID)
	assert.Equal(t, uint64(7), snap.Entries[0].Keys[0].ModelID)

	require.NoError(t, mgr.Unregister(id))
	require.NoError(t, mgr.RemoveCacheKey(42))

	buf, version = tbl.Bytes()
	assert.Equal(t, uint64(3), version)
	snap, err = wire.UnmarshalTable(buf)
	require.NoError(t, err)
	assert.Empty(t, snap.Entries)
}
