package kvxfer

import (
	"context"
	"time"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

// Re-export the wire-level request/response shapes a caller builds a
// transfer from, so nothing above this package imports internal/model.
type (
	TransferRequest = model.TransferCacheReq
	ResponseInfo    = model.ResponseInfo
	BlockInfo       = model.BlockInfo
)

// pollInterval is how often SendRequest checks its own response slot while
// waiting for a peer to reply.
const pollInterval = time.Millisecond

// Pull issues req against clusterID's link and blocks until the peer's
// CommEntity replies or req's deadline (or ctx) expires. The initiator is
// the data destination: req.DstAddrs must already point at caller-owned,
// caller-resolved memory (spec §2's pull dataflow — "initiator allocates a
// local destination cache... then polls a pre-registered response slot").
func (e *Engine) Pull(ctx context.Context, clusterID uint64, req *TransferRequest) (*ResponseInfo, error) {
	return e.sendRequest(ctx, clusterID, req)
}

// Push is the dual of Pull: the initiator is the data source and req names
// where the peer should place it. The wire mechanics are identical to Pull
// (spec §2: "the underlying primitives are identical") — both funnel
// through the same CommEntity request/response exchange and the peer's own
// transfer-job scheduler resolves req.Addressing() against its own cache
// manager exactly as it would for a pull. The distinction is purely in how
// the caller built req: for a push, req's addressing names the slot on the
// *peer* that should receive the data, and req.DstAddrs are the peer's own
// resolved destination addresses (learned from that peer's last published
// cache-access-table snapshot) rather than the caller's own.
func (e *Engine) Push(ctx context.Context, clusterID uint64, req *TransferRequest) (*ResponseInfo, error) {
	return e.sendRequest(ctx, clusterID, req)
}

func (e *Engine) sendRequest(ctx context.Context, clusterID uint64, req *TransferRequest) (*ResponseInfo, error) {
	const op = "kvxfer.Engine.sendRequest"
	pl, ok := e.link.Link(clusterID)
	if !ok {
		return nil, errs.Newf(op, errs.NotYetLink, "cluster %d is not linked", clusterID)
	}
	if req.TimeoutMs == 0 {
		req.TimeoutMs = uint64(e.opts.SyncKVCacheWaitTimeMs)
	}
	return pl.SendRequest(ctx, e.link.Fabric(), e.link.Runtime(), pl.Stream(), req, pollInterval)
}

// Copy (CopyCache) performs an intra-process copy between two registered
// caches (spec §4.7): contiguous, block-to-block, or contiguous->block,
// selected by which block-index lists are non-empty.
func (e *Engine) Copy(ctx context.Context, srcID, dstID int64, srcBlocks, dstBlocks []uint64) error {
	const op = "kvxfer.Engine.Copy"
	src, err := e.cacheMgr.GetCacheEntry(model.ByID{CacheID: srcID})
	if err != nil {
		return errs.Wrap(op, errs.CodeOf(err), err, "resolve source cache")
	}
	dst, err := e.cacheMgr.GetCacheEntry(model.ByID{CacheID: dstID})
	if err != nil {
		return errs.Wrap(op, errs.CodeOf(err), err, "resolve destination cache")
	}

	stream, err := e.streams.Get()
	if err != nil {
		return errs.Wrap(op, errs.Internal, err, "acquire copy stream")
	}
	defer e.streams.Put(stream)

	if err := cache.CopyCache(ctx, e.rt, stream, src, dst, srcBlocks, dstBlocks); err != nil {
		return errs.Wrap(op, errs.CodeOf(err), err, "copy")
	}
	return nil
}
