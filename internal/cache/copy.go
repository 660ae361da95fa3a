package cache

import (
	"context"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/model"
)

// CopyCache performs an intra-process copy between two caches of equal
// tensor count, using stream-async memcpy synchronized at call end (spec
// §4.7). Three shapes are supported, selected by which block-index lists
// are given:
//   - no blocks on either side: a full contiguous copy, tensor by tensor.
//   - equal-length block lists on both sides: block-to-block copy, each
//     srcBlocks[i] mapped to dstBlocks[i].
//   - blocks on the destination only: a contiguous→block mapping, dst.Stride
//     bytes from the start of each source tensor are copied into every
//     listed destination block.
func CopyCache(ctx context.Context, rt fabric.AcceleratorRuntime, stream fabric.Stream, src, dst *model.Cache, srcBlocks, dstBlocks []uint64) error {
	const op = "cache.CopyCache"
	if src.NumTensors != dst.NumTensors {
		return errs.Newf(op, errs.ParamInvalid, "tensor count mismatch: src=%d dst=%d", src.NumTensors, dst.NumTensors)
	}
	kind := kindFor(src.Placement, dst.Placement)

	switch {
	case len(srcBlocks) == 0 && len(dstBlocks) == 0:
		size := src.TensorSize
		if dst.TensorSize < size {
			size = dst.TensorSize
		}
		for t := range src.CacheAddrs {
			if err := rt.MemcpyAsync(dst.CacheAddrs[t], src.CacheAddrs[t], size, kind, stream); err != nil {
				return errs.Wrap(op, errs.Internal, err, "contiguous tensor copy failed")
			}
		}
	case len(srcBlocks) == len(dstBlocks):
		for t := range src.CacheAddrs {
			for i := range srcBlocks {
				s := src.CacheAddrs[t] + srcBlocks[i]*src.Stride
				d := dst.CacheAddrs[t] + dstBlocks[i]*dst.Stride
				if err := rt.MemcpyAsync(d, s, src.Stride, kind, stream); err != nil {
					return errs.Wrap(op, errs.Internal, err, "block-to-block copy failed")
				}
			}
		}
	case len(srcBlocks) == 0 && len(dstBlocks) > 0:
		for t := range src.CacheAddrs {
			for _, db := range dstBlocks {
				d := dst.CacheAddrs[t] + db*dst.Stride
				if err := rt.MemcpyAsync(d, src.CacheAddrs[t], dst.Stride, kind, stream); err != nil {
					return errs.Wrap(op, errs.Internal, err, "contiguous-to-block copy failed")
				}
			}
		}
	default:
		return errs.New(op, errs.ParamInvalid, "block-indexed source requires an equal-length destination block list")
	}

	if err := rt.StreamSync(ctx, stream); err != nil {
		return errs.Wrap(op, errs.CodeOf(err), err, "stream sync after copy")
	}
	return nil
}

func kindFor(src, dst model.Placement) fabric.MemcpyKind {
	switch {
	case src == model.Host && dst == model.Host:
		return fabric.H2H
	case src == model.Host && dst == model.Device:
		return fabric.H2D
	case src == model.Device && dst == model.Host:
		return fabric.D2H
	default:
		return fabric.D2D
	}
}
