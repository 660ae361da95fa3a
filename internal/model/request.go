package model

import "time"

// BlockInfo is one entry of a TransferCacheReq's source or destination
// block-info tail (spec §3).
type BlockInfo struct {
	BlockStartIndex uint64
	BufferLen       uint64
}

// TransferCacheReq is the parsed, in-memory form of the on-wire request
// (spec §3's TransferCacheReq). internal/wire marshals this to and from the
// bit-exact byte layout; everything above internal/wire works with this
// struct.
type TransferCacheReq struct {
	IsPullBlock  bool
	NumTensors   uint32
	CacheID      int64
	BatchIndex   uint64
	ReqID        uint64
	PrefixID     uint64
	ModelID      uint64
	BlockSize    uint64
	PullSize     uint64
	MaxBlockIdx  uint64
	DstPlacement Placement
	TimeoutMs    uint64

	DstBufferSize uint64
	DstAddrs      []uint64
	SrcBlocks     []BlockInfo
	DstBlocks     []BlockInfo

	SrcTensorIndicesSize uint64
	SrcTensorStartIndex  uint64
}

// Deadline returns the absolute point in time the request must complete by,
// relative to when it was received.
func (r *TransferCacheReq) Deadline(received time.Time) time.Time {
	return received.Add(time.Duration(r.TimeoutMs) * time.Millisecond)
}

// Addressing resolves the request's wire fields into the explicit tagged
// variant they imply (spec §9): cache_id >= 0 addresses by id; otherwise a
// prefix_id not equal to the wire sentinel addresses by prefix, and absent
// that the request addresses by req_id/model_id.
func (r *TransferCacheReq) Addressing() Addressing {
	if r.CacheID >= 0 {
		return ByID{CacheID: r.CacheID, BatchIndex: r.BatchIndex}
	}
	if r.PrefixID != MaxPrefixID {
		return ByPrefix{PrefixID: r.PrefixID, ModelID: r.ModelID}
	}
	return ByKey{ReqID: r.ReqID, ModelID: r.ModelID}
}

// ResponseInfo is the parsed, in-memory form of the on-wire response
// (spec §3).
type ResponseInfo struct {
	ReqID             uint64
	ModelID           uint64
	RetCode           int32
	TransferCount     uint32
	BlockSize         uint32
	SyncFlagAddresses []uint64
}
