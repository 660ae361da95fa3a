package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/internal/errs"
)

func validCache() *Cache {
	return &Cache{
		CacheID:               3,
		Placement:             Device,
		Layout:                Contiguous,
		NumTensors:            2,
		CacheAddrs:            []uint64{0x1000, 0x2000},
		TensorSize:            4096,
		BatchSize:             4,
		Stride:                1024,
		IDToBatchIndexAndSize: map[uint64]KeyBinding{},
	}
}

func TestCache_Validate(t *testing.T) {
	t.Run("valid contiguous cache passes", func(t *testing.T) {
		require.NoError(t, validCache().Validate())
	})

	t.Run("addrs count mismatch is ParamInvalid", func(t *testing.T) {
		c := validCache()
		c.CacheAddrs = []uint64{0x1000}
		err := c.Validate()
		require.Error(t, err)
		assert.Equal(t, errs.ParamInvalid, errs.CodeOf(err))
	})

	t.Run("nil address is ParamInvalid", func(t *testing.T) {
		c := validCache()
		c.CacheAddrs[0] = 0
		err := c.Validate()
		require.Error(t, err)
		assert.Equal(t, errs.ParamInvalid, errs.CodeOf(err))
	})

	t.Run("blocks layout requires num_blocks > 0", func(t *testing.T) {
		c := validCache()
		c.Layout = Blocks
		c.NumBlocks = 0
		err := c.Validate()
		require.Error(t, err)
		assert.Equal(t, errs.ParamInvalid, errs.CodeOf(err))
	})

	t.Run("contiguous layout requires num_blocks == 0", func(t *testing.T) {
		c := validCache()
		c.Layout = Contiguous
		c.NumBlocks = 8
		err := c.Validate()
		require.Error(t, err)
	})

	t.Run("blocks layout with num_blocks set passes", func(t *testing.T) {
		c := validCache()
		c.Layout = Blocks
		c.NumBlocks = 16
		require.NoError(t, c.Validate())
	})
}

func TestCacheKey_IsPrefix(t *testing.T) {
	t.Run("prefix sentinel resolves to ordinary key", func(t *testing.T) {
		k := NewCacheKey(1, -1, 0, 42, MaxPrefixID, 7, false)
		assert.False(t, k.IsPrefix())
	})

	t.Run("non-sentinel prefix_id resolves to prefix key", func(t *testing.T) {
		k := NewCacheKey(1, -1, 0, 42, 9, 7, false)
		assert.True(t, k.IsPrefix())
	})
}

func TestTransferCacheReq_Addressing(t *testing.T) {
	cases := []struct {
		name string
		req  TransferCacheReq
		want Addressing
	}{
		{
			name: "non-negative cache id addresses by id",
			req:  TransferCacheReq{CacheID: 5, BatchIndex: 2, PrefixID: MaxPrefixID},
			want: ByID{CacheID: 5, BatchIndex: 2},
		},
		{
			name: "negative cache id with real prefix_id addresses by prefix",
			req:  TransferCacheReq{CacheID: -1, PrefixID: 9, ModelID: 3},
			want: ByPrefix{PrefixID: 9, ModelID: 3},
		},
		{
			name: "negative cache id with sentinel prefix_id addresses by key",
			req:  TransferCacheReq{CacheID: -1, PrefixID: MaxPrefixID, ReqID: 77, ModelID: 3},
			want: ByKey{ReqID: 77, ModelID: 3},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.req.Addressing())
		})
	}
}
