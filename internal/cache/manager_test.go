package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

func newTestCache(id int64) *model.Cache {
	return &model.Cache{
		CacheID:    id,
		Placement:  model.Device,
		Layout:     model.Contiguous,
		NumTensors: 2,
		CacheAddrs: []uint64{0x1000, 0x2000},
		TensorSize: 4096,
		Stride:     1024,
	}
}

func TestManager_RegisterAndGetByID(t *testing.T) {
	m := cache.NewManager(nil)
	id, err := m.RegisterCache(newTestCache(-1), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	got, err := m.GetCacheEntry(model.ByID{CacheID: id})
	require.NoError(t, err)
	assert.Equal(t, id, got.CacheID)
}

func TestManager_RegisterWithKeyAndGetByKey(t *testing.T) {
	m := cache.NewManager(nil)
	k := model.NewCacheKey(1, -1, 0, 42, model.MaxPrefixID, 7, false)
	id, err := m.RegisterCache(newTestCache(-1), []model.CacheKey{k})
	require.NoError(t, err)

	got, err := m.GetCacheEntry(model.ByKey{ReqID: 42, ModelID: 7})
	require.NoError(t, err)
	assert.Equal(t, id, got.CacheID)
}

func TestManager_DuplicateKeyBindingFails(t *testing.T) {
	m := cache.NewManager(nil)
	k := model.NewCacheKey(1, -1, 0, 42, model.MaxPrefixID, 7, false)
	_, err := m.RegisterCache(newTestCache(-1), []model.CacheKey{k})
	require.NoError(t, err)

	_, err = m.RegisterCache(newTestCache(-1), []model.CacheKey{k})
	require.Error(t, err)
	assert.Equal(t, errs.ParamInvalid, errs.CodeOf(err))
}

func TestManager_UnregisterRetainsWhileKeysRemain(t *testing.T) {
	m := cache.NewManager(nil)
	k := model.NewCacheKey(1, -1, 0, 42, model.MaxPrefixID, 7, false)
	id, err := m.RegisterCache(newTestCache(-1), []model.CacheKey{k})
	require.NoError(t, err)

	require.NoError(t, m.Unregister(id))

	// Still resolvable: the key is still live.
	got, err := m.GetCacheEntry(model.ByKey{ReqID: 42, ModelID: 7})
	require.NoError(t, err)
	assert.Equal(t, id, got.CacheID)

	// Removing the last key now frees the cache.
	require.NoError(t, m.RemoveCacheKey(42))
	_, err = m.GetCacheEntry(model.ByID{CacheID: id})
	require.Error(t, err)
	assert.Equal(t, errs.CacheNotExist, errs.CodeOf(err))
}

func TestManager_UnregisterWithNoKeysFreesImmediately(t *testing.T) {
	m := cache.NewManager(nil)
	id, err := m.RegisterCache(newTestCache(-1), nil)
	require.NoError(t, err)

	require.NoError(t, m.Unregister(id))
	_, err = m.GetCacheEntry(model.ByID{CacheID: id})
	require.Error(t, err)
}

func TestManager_ByPrefixResolution(t *testing.T) {
	m := cache.NewManager(nil)
	k := model.NewCacheKey(1, -1, 0, 0, 99, 7, false)
	id, err := m.RegisterCache(newTestCache(-1), []model.CacheKey{k})
	require.NoError(t, err)

	got, err := m.GetCacheEntry(model.ByPrefix{PrefixID: 99, ModelID: 7})
	require.NoError(t, err)
	assert.Equal(t, id, got.CacheID)
}

func TestManager_OnChangeHookFires(t *testing.T) {
	calls := 0
	m := cache.NewManager(func(*cache.Manager) { calls++ })
	_, err := m.RegisterCache(newTestCache(-1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
