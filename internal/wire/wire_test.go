package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvxfer/engine/internal/model"
)

func TestRequest_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		req  model.TransferCacheReq
	}{
		{
			name: "contiguous pull, no blocks",
			req: model.TransferCacheReq{
				IsPullBlock:  false,
				NumTensors:   8,
				CacheID:      3,
				BatchIndex:   1,
				ReqID:        42,
				PrefixID:     model.MaxPrefixID,
				ModelID:      7,
				PullSize:     512,
				DstPlacement: model.Device,
				TimeoutMs:    1000,
				DstAddrs:     []uint64{0x1000, 0x2000, 0x3000},
				SrcBlocks:    []model.BlockInfo{},
				DstBlocks:    []model.BlockInfo{},
			},
		},
		{
			name: "block pull with block info tails",
			req: model.TransferCacheReq{
				IsPullBlock:          true,
				NumTensors:           2,
				CacheID:              -1,
				ReqID:                9,
				PrefixID:             model.MaxPrefixID,
				ModelID:              1,
				BlockSize:            4096,
				MaxBlockIdx:          127,
				DstPlacement:         model.Host,
				TimeoutMs:            500,
				SrcTensorIndicesSize: 2,
				SrcTensorStartIndex:  0,
				DstAddrs:             []uint64{0xA000},
				SrcBlocks: []model.BlockInfo{
					{BlockStartIndex: 0, BufferLen: 4096},
					{BlockStartIndex: 4, BufferLen: 4096},
				},
				DstBlocks: []model.BlockInfo{
					{BlockStartIndex: 1, BufferLen: 4096},
					{BlockStartIndex: 6, BufferLen: 4096},
				},
			},
		},
		{
			name: "empty tails",
			req: model.TransferCacheReq{
				CacheID:   5,
				PrefixID:  model.MaxPrefixID,
				DstAddrs:  []uint64{},
				SrcBlocks: []model.BlockInfo{},
				DstBlocks: []model.BlockInfo{},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := MarshalRequest(&tc.req)
			got, err := UnmarshalRequest(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.req, *got)
		})
	}
}

func TestUnmarshalRequest_Truncated(t *testing.T) {
	t.Run("shorter than header", func(t *testing.T) {
		_, err := UnmarshalRequest(make([]byte, 10))
		require.Error(t, err)
	})

	t.Run("declares more tail entries than present", func(t *testing.T) {
		req := model.TransferCacheReq{CacheID: 1, PrefixID: model.MaxPrefixID, DstAddrs: []uint64{1, 2}}
		buf := MarshalRequest(&req)
		_, err := UnmarshalRequest(buf[:len(buf)-4])
		require.Error(t, err)
	})
}

func TestResponse_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		resp model.ResponseInfo
	}{
		{
			name: "with sync flag addresses",
			resp: model.ResponseInfo{
				ReqID:             1,
				ModelID:           2,
				RetCode:           0,
				TransferCount:     3,
				BlockSize:         4096,
				SyncFlagAddresses: []uint64{0x1, 0x2, 0x3},
			},
		},
		{
			name: "error response, no addresses",
			resp: model.ResponseInfo{
				ReqID:             5,
				ModelID:           6,
				RetCode:           -1,
				SyncFlagAddresses: []uint64{},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := MarshalResponse(&tc.resp)
			got, err := UnmarshalResponse(buf)
			require.NoError(t, err)
			assert.Equal(t, tc.resp, *got)
		})
	}
}

func TestTable_RoundTrip(t *testing.T) {
	snap := model.TableSnapshot{
		Version: 7,
		Entries: []model.TableEntry{
			{
				CacheID:    1,
				NumTensors: 2,
				Layout:     model.Contiguous,
				Placement:  model.Device,
				Stride:     1024,
				TensorSize: 4096,
				Addrs:      []uint64{0x100, 0x200},
				Keys: []model.TableKeyEntry{
					{ReqID: 9, ModelID: 1, BatchIndex: 0, Size: 512},
				},
			},
			{
				CacheID:    2,
				NumTensors: 0,
				Layout:     model.Blocks,
				Placement:  model.Host,
				NumBlocks:  16,
				Addrs:      []uint64{},
				Keys:       []model.TableKeyEntry{},
			},
		},
	}

	buf, err := MarshalTable(&snap)
	require.NoError(t, err)
	got, err := UnmarshalTable(buf)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, got.Version)
	assert.Equal(t, snap.Entries, got.Entries)
}

func TestMarshalTable_ExceedsRegion(t *testing.T) {
	snap := model.TableSnapshot{
		Entries: []model.TableEntry{
			{NumTensors: 0, Addrs: make([]uint64, 0)},
		},
	}
	// Fabricate a single entry whose key tail alone exceeds the region.
	bigKeys := make([]model.TableKeyEntry, MaxTableRegionSize/tableKeyEntrySize+1)
	snap.Entries[0].Keys = bigKeys

	_, err := MarshalTable(&snap)
	require.Error(t, err)
}

func TestSlot_FlagAndPayload(t *testing.T) {
	slot := NewRequestSlot()
	assert.False(t, GetFlag(slot))
	payload := RequestPayload(slot)
	assert.Len(t, payload, RequestPayloadSize)

	req := model.TransferCacheReq{
		CacheID:   1,
		PrefixID:  model.MaxPrefixID,
		DstAddrs:  []uint64{},
		SrcBlocks: []model.BlockInfo{},
		DstBlocks: []model.BlockInfo{},
	}
	copy(payload, MarshalRequest(&req))
	PutFlag(slot, true)
	assert.True(t, GetFlag(slot))

	got, err := UnmarshalRequest(RequestPayload(slot)[:len(MarshalRequest(&req))])
	require.NoError(t, err)
	assert.Equal(t, req, *got)
}
