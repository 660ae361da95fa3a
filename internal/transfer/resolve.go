package transfer

import (
	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

// Direction is the resolved transfer direction for a request, derived from
// the source cache's placement and the request's requested destination
// placement (send_state.cc's ResolveTransferType).
type Direction int

const (
	D2D Direction = iota
	D2H
	H2D
)

func (d Direction) String() string {
	switch d {
	case D2D:
		return "d2d"
	case D2H:
		return "d2h"
	case H2D:
		return "h2d"
	default:
		return "unknown"
	}
}

// ResolveDirection maps (src placement, dst placement) to a transfer
// direction. The only unsupported pairing is host->host, which is the one
// case the spec leaves to a purely local copy (internal/cache.CopyCache)
// rather than this package.
func ResolveDirection(src, dst model.Placement) (Direction, bool) {
	switch {
	case src == model.Device && dst == model.Device:
		return D2D, true
	case src == model.Device && dst == model.Host:
		return D2H, true
	case src == model.Host && dst == model.Device:
		return H2D, true
	default:
		return 0, false
	}
}

// Resolved is the outcome of resolving a TransferCacheReq against the
// CacheManager: the source Cache, the byte offset its addressing implies,
// the transfer direction, and — if this pull consumes the request's
// last-use claim on a non-prefix owned key — the req_id to remove once the
// transfer completes.
type Resolved struct {
	Cache       *model.Cache
	Offset      uint64
	Direction   Direction
	KeyToRemove *uint64
}

// Resolve is send_state.cc's Preprocess/Prepare boiled down to its pure
// decision logic: QueryCacheEntryAndOffset, CheckParam, and
// ResolveTransferType, in that order. The caller (internal/fsm) is
// responsible for constructing and driving the resulting data-transfer job.
func Resolve(mgr *cache.Manager, req *model.TransferCacheReq) (*Resolved, error) {
	const op = "transfer.Resolve"

	if req.IsPullBlock {
		c, err := mgr.GetCacheEntry(model.ByKey{ReqID: req.ReqID, ModelID: req.ModelID})
		if err != nil {
			return nil, err
		}
		if req.BlockSize == 0 {
			return nil, errs.Newf(op, errs.ParamInvalid, "req:%d model_id:%d block_size is 0", req.ReqID, req.ModelID)
		}
		if err := CheckParam(c, req); err != nil {
			return nil, err
		}
		dir, ok := ResolveDirection(c.Placement, req.DstPlacement)
		if !ok {
			return nil, errs.Newf(op, errs.FeatureNotEnabled, "dst_placement=%s src_placement=%s not supported", req.DstPlacement, c.Placement)
		}
		return &Resolved{Cache: c, Offset: 0, Direction: dir}, nil
	}

	addr := req.Addressing()
	c, err := mgr.GetCacheEntry(addr)
	if err != nil {
		return nil, err
	}

	offset, keyToRemove, err := resolveOffset(mgr, addr, req, c)
	if err != nil {
		return nil, err
	}

	if err := CheckParam(c, req); err != nil {
		return nil, err
	}
	dir, ok := ResolveDirection(c.Placement, req.DstPlacement)
	if !ok {
		return nil, errs.Newf(op, errs.FeatureNotEnabled, "dst_placement=%s src_placement=%s not supported", req.DstPlacement, c.Placement)
	}

	return &Resolved{Cache: c, Offset: offset, Direction: dir, KeyToRemove: keyToRemove}, nil
}

// resolveOffset computes the byte offset a request's addressing implies and,
// when the addressing resolves through a non-prefix owned key, the req_id
// that should be removed once the pull completes (spec §4.7's "pulling a
// non-prefix key consumes it").
func resolveOffset(mgr *cache.Manager, addr model.Addressing, req *model.TransferCacheReq, c *model.Cache) (uint64, *uint64, error) {
	const op = "transfer.resolveOffset"

	switch a := addr.(type) {
	case model.ByID:
		if a.BatchIndex >= c.BatchSize {
			return 0, nil, errs.Newf(op, errs.CacheNotExist, "batch_index (%d) out of range [0, %d)", a.BatchIndex, c.BatchSize)
		}
		offset := a.BatchIndex * c.Stride
		if k, ok, _ := mgr.ResolveKey(model.ByKey{ReqID: req.ReqID, ModelID: req.ModelID}); ok {
			if kb, exists := c.IDToBatchIndexAndSize[req.ReqID]; exists {
				offset = kb.BatchIndex * c.Stride
				if !k.IsPrefix() && c.IsOwned {
					id := req.ReqID
					return offset, &id, nil
				}
			}
		}
		return offset, nil, nil

	case model.ByKey:
		kb, exists := c.IDToBatchIndexAndSize[a.ReqID]
		if !exists {
			return 0, nil, errs.Newf(op, errs.CacheNotExist, "req_id %d not bound on cache_id %d", a.ReqID, c.CacheID)
		}
		offset := kb.BatchIndex * c.Stride
		if c.IsOwned {
			id := a.ReqID
			return offset, &id, nil
		}
		return offset, nil, nil

	case model.ByPrefix:
		k, ok, err := mgr.ResolveKey(a)
		if err != nil {
			return 0, nil, err
		}
		_ = ok
		kb, exists := c.IDToBatchIndexAndSize[k.ReqID]
		if !exists {
			return 0, nil, errs.Newf(op, errs.CacheNotExist, "prefix_id %d has no batch binding", a.PrefixID)
		}
		return kb.BatchIndex * c.Stride, nil, nil

	default:
		return 0, nil, errs.Newf(op, errs.ParamInvalid, "unknown addressing variant %T", addr)
	}
}

// CheckParam validates a request against the cache slot it resolved to
// (send_state.cc's CheckParam): tensor count agreement, block/non-block
// agreement, and the pull_size/block_size bounds appropriate to the shape.
func CheckParam(c *model.Cache, req *model.TransferCacheReq) error {
	const op = "transfer.CheckParam"

	cacheNum := uint64(len(c.CacheAddrs))
	if req.SrcTensorIndicesSize != 0 {
		cacheNum = req.SrcTensorIndicesSize
	}
	if cacheNum != uint64(req.NumTensors) {
		return errs.Newf(op, errs.ParamInvalid, "num_tensors mismatch: src=%d dst=%d", cacheNum, req.NumTensors)
	}

	if req.IsPullBlock == (c.NumBlocks == 0) {
		return errs.Newf(op, errs.ParamInvalid, "request pull_block=%v but local cache num_blocks=%d", req.IsPullBlock, c.NumBlocks)
	}

	if req.IsPullBlock {
		if req.MaxBlockIdx != 0 && req.MaxBlockIdx >= c.NumBlocks {
			return errs.Newf(op, errs.ParamInvalid, "max_block_index (%d) out of bound, local block_num=%d", req.MaxBlockIdx, c.NumBlocks)
		}
	} else {
		if req.BlockSize > 0 {
			if req.DstPlacement == model.Host {
				padded := (c.Stride + req.BlockSize - 1) / req.BlockSize * req.BlockSize
				if req.PullSize > padded {
					return errs.Newf(op, errs.ParamInvalid, "pull_size (%d) > padded_cache_stride (%d)", req.PullSize, padded)
				}
			}
		} else if req.PullSize > c.Stride {
			return errs.Newf(op, errs.ParamInvalid, "pull_size (%d) > cache_stride (%d)", req.PullSize, c.Stride)
		}
	}

	// A block-indexed request (either a true block-to-block pull or the
	// contiguous-source/block-destination C2B variant) carries explicit
	// per-block indices that must each sit inside the block grid, mirroring
	// d2d_data_transfer_job.cc's GetSendTask bound check
	// (src_block_index < batch_or_block_num) but performed up front, before
	// job construction, per the request's own validation pass.
	if len(req.SrcBlocks) > 0 || len(req.DstBlocks) > 0 {
		if len(req.SrcBlocks) != len(req.DstBlocks) {
			return errs.Newf(op, errs.ParamInvalid, "src_blocks has %d entries, dst_blocks has %d", len(req.SrcBlocks), len(req.DstBlocks))
		}
		bound := blockIndexBound(c, blockSizeOf(c, req))
		for i, b := range req.SrcBlocks {
			if b.BlockStartIndex >= bound {
				return errs.Newf(op, errs.ParamInvalid, "req:%d model_id:%d src_blocks[%d] block_start_index (%d) out of range [0, %d)", req.ReqID, req.ModelID, i, b.BlockStartIndex, bound)
			}
		}
		for i, b := range req.DstBlocks {
			if b.BlockStartIndex >= bound {
				return errs.Newf(op, errs.ParamInvalid, "req:%d model_id:%d dst_blocks[%d] block_start_index (%d) out of range [0, %d)", req.ReqID, req.ModelID, i, b.BlockStartIndex, bound)
			}
		}
	}

	if req.SrcTensorIndicesSize != 0 {
		n := uint64(len(c.CacheAddrs))
		if req.SrcTensorIndicesSize > n || req.SrcTensorStartIndex >= n ||
			req.SrcTensorStartIndex+req.SrcTensorIndicesSize-1 >= n {
			return errs.Newf(op, errs.ParamInvalid, "src_tensor_indices_size (%d) or src_tensor_start_index (%d) invalid, src_cache num=%d",
				req.SrcTensorIndicesSize, req.SrcTensorStartIndex, n)
		}
	}
	return nil
}

// blockSizeOf is GenerateCacheTask's stride_or_block_size: a request-supplied
// block_size overrides the cache's own stride.
func blockSizeOf(c *model.Cache, req *model.TransferCacheReq) uint64 {
	if req.BlockSize != 0 {
		return req.BlockSize
	}
	return c.Stride
}

// blockIndexBound is GetSendTask's batch_or_block_num: the cache's own
// num_blocks when it is block-laid-out, otherwise the number of blockSize
// chunks tensor_size divides into (the C2B variant, where the source side
// has no block grid of its own to bound against).
func blockIndexBound(c *model.Cache, blockSize uint64) uint64 {
	if c.NumBlocks != 0 {
		return c.NumBlocks
	}
	if blockSize == 0 {
		return 0
	}
	return (c.TensorSize + blockSize - 1) / blockSize
}
