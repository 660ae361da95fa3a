package transfer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/pool"
)

// Job is one request's data-transfer driver: a resumable state machine
// polled once per servicing-thread tick (send_state.cc's
// DataTransferJob::Process). done=true means the transfer, successful or
// not, has nothing left to drive — the caller sends the response and
// returns the entity to Idle.
type Job interface {
	Process(ctx context.Context) (done bool, err error)
}

// batchesOf splits descs into chunks no larger than constants.MaxBatchPutNum,
// the sub-batch size passed to a single BatchPut/BatchGet call (spec §4.4).
func batchesOf(descs []fabric.OneSideDesc) [][]fabric.OneSideDesc {
	var out [][]fabric.OneSideDesc
	for len(descs) > 0 {
		n := constants.MaxBatchPutNum
		if n > len(descs) {
			n = len(descs)
		}
		out = append(out, descs[:n])
		descs = descs[n:]
	}
	return out
}

// directPutJob is the shared driver for D2D and D2H: the source tensors
// already live in addressable device (or host-but-RDMA-reachable) memory,
// so no local staging copy is needed. Descriptors drain in slices of at
// most constants.MaxTaskNum per tick (sub-batched into MaxBatchPutNum-sized
// BatchPut calls); after submitting a slice the job records an event and
// waits for it to signal on a later tick before submitting the next one,
// matching D2DDataTransferJob::Process's record-then-poll cadence without
// busy-spinning the servicing thread on it.
type directPutJob struct {
	fab        fabric.Fabric
	comm       fabric.Comm
	remoteRank int
	stream     fabric.Stream
	rt         fabric.AcceleratorRuntime

	descs []fabric.OneSideDesc
	next  int

	event fabric.Evt
}

func newDirectPutJob(rt fabric.AcceleratorRuntime, fab fabric.Fabric, comm fabric.Comm, remoteRank int, stream fabric.Stream, descs []fabric.OneSideDesc) *directPutJob {
	return &directPutJob{rt: rt, fab: fab, comm: comm, remoteRank: remoteRank, stream: stream, descs: descs}
}

func (j *directPutJob) Process(ctx context.Context) (bool, error) {
	const op = "transfer.directPutJob.Process"

	if j.event != nil {
		done, err := j.rt.EventQueryStatus(j.event)
		if err != nil {
			return true, errs.Wrap(op, errs.Internal, err, "query event status")
		}
		if !done {
			return false, nil
		}
		if err := j.rt.EventDestroy(j.event); err != nil {
			return true, errs.Wrap(op, errs.Internal, err, "destroy event")
		}
		j.event = nil
	}

	if j.next >= len(j.descs) {
		return true, nil
	}

	end := j.next + constants.MaxTaskNum
	if end > len(j.descs) {
		end = len(j.descs)
	}
	slice := j.descs[j.next:end]

	for _, batch := range batchesOf(slice) {
		if err := j.fab.BatchPut(j.comm, j.remoteRank, batch, j.stream); err != nil {
			return true, errs.Wrap(op, errs.SuspectRemoteError, err, fmt.Sprintf("batch put failed for descriptors [%d,%d)", j.next, end))
		}
	}

	ev, err := j.rt.EventCreate()
	if err != nil {
		return true, errs.Wrap(op, errs.Internal, err, "create event")
	}
	if err := j.rt.EventRecord(ev, j.stream); err != nil {
		return true, errs.Wrap(op, errs.Internal, err, "record event")
	}
	j.event = ev
	j.next = end
	return false, nil
}

// D2DJob drives a device-cache-to-device-destination transfer.
type D2DJob struct{ *directPutJob }

// NewD2DJob builds the descriptor list for a full device-to-device transfer
// directly from the resolved cache and request: a scalar per-tensor range
// if the request carries no block lists, or the block-pair loop (spec
// §4.4 point 1) if it does.
func NewD2DJob(rt fabric.AcceleratorRuntime, fab fabric.Fabric, comm fabric.Comm, remoteRank int, stream fabric.Stream, resolved *Resolved, req *model.TransferCacheReq) (*D2DJob, error) {
	descs, err := buildDescs(resolved, req)
	if err != nil {
		return nil, err
	}
	return &D2DJob{newDirectPutJob(rt, fab, comm, remoteRank, stream, descs)}, nil
}

// D2HJob drives a device-cache-to-host-destination transfer. Identical
// mechanics to D2DJob; kept as a distinct type because the spec names it
// separately and a future host-side staging optimization would only touch
// this type.
type D2HJob struct{ *directPutJob }

// NewD2HJob mirrors NewD2DJob for the D2H direction.
func NewD2HJob(rt fabric.AcceleratorRuntime, fab fabric.Fabric, comm fabric.Comm, remoteRank int, stream fabric.Stream, resolved *Resolved, req *model.TransferCacheReq) (*D2HJob, error) {
	descs, err := buildDescs(resolved, req)
	if err != nil {
		return nil, err
	}
	return &D2HJob{newDirectPutJob(rt, fab, comm, remoteRank, stream, descs)}, nil
}

// tensorBases resolves the source tensor base addresses (cache address plus
// the resolved batch/key offset) and the matching destination addresses a
// request names, checking their counts agree (GetSendTask's
// src_addr_num == dst_addr_count check).
func tensorBases(resolved *Resolved, req *model.TransferCacheReq) (src, dst []uint64, err error) {
	const op = "transfer.tensorBases"
	c := resolved.Cache

	start := uint64(0)
	n := uint64(len(c.CacheAddrs))
	if req.SrcTensorIndicesSize != 0 {
		start = req.SrcTensorStartIndex
		n = req.SrcTensorIndicesSize
	}
	if uint64(len(req.DstAddrs)) != n {
		return nil, nil, errs.Newf(op, errs.ParamInvalid, "dst_addrs has %d entries, want %d", len(req.DstAddrs), n)
	}

	src = make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		src[i] = c.CacheAddrs[start+i] + resolved.Offset
	}
	return src, req.DstAddrs[:n], nil
}

// buildDescs resolves the local (source) and remote (destination) addresses
// named by req against the cache slot resolved found. A request carrying
// explicit block lists (req.SrcBlocks/req.DstBlocks — a block-to-block pull
// or the C2B contiguous-source/block-destination variant, spec §4.4 point 1
// and §4.5) is dispatched to buildBlockDescs; otherwise one descriptor is
// built per tensor (or per source-tensor-range entry, spec §4.5's
// layer-range pull) from a single scalar offset and size.
func buildDescs(resolved *Resolved, req *model.TransferCacheReq) ([]fabric.OneSideDesc, error) {
	if len(req.SrcBlocks) > 0 || len(req.DstBlocks) > 0 {
		return buildBlockDescs(resolved, req)
	}

	src, dst, err := tensorBases(resolved, req)
	if err != nil {
		return nil, err
	}

	size := req.PullSize
	if size == 0 {
		size = resolved.Cache.Stride
	}

	descs := make([]fabric.OneSideDesc, len(src))
	for i := range src {
		descs[i] = fabric.OneSideDesc{LocalAddr: src[i], RemoteAddr: dst[i], Count: size}
	}
	return descs, nil
}

// buildBlockDescs implements GetSendTask's buffer_info_count block-pair
// loop: for every selected source tensor, for every (src_block, dst_block)
// pair the request names, one descriptor moves src_block's bytes from that
// tensor's base address (offset by src_block_index*block_size) to
// dst_block's bytes at the destination base address (offset by
// dst_block_index*block_size). The same loop serves both the true
// block-to-block case (req.IsPullBlock, src side genuinely block-laid-out)
// and the C2B case (contiguous source, block destination) — in the latter,
// src_block_index is conventionally 0 for every entry since the source
// offset is already resolved by batch index.
func buildBlockDescs(resolved *Resolved, req *model.TransferCacheReq) ([]fabric.OneSideDesc, error) {
	const op = "transfer.buildBlockDescs"
	c := resolved.Cache

	src, dst, err := tensorBases(resolved, req)
	if err != nil {
		return nil, err
	}
	if len(req.SrcBlocks) != len(req.DstBlocks) {
		return nil, errs.Newf(op, errs.ParamInvalid, "src_blocks has %d entries, dst_blocks has %d", len(req.SrcBlocks), len(req.DstBlocks))
	}

	blockSize := blockSizeOf(c, req)
	bound := blockIndexBound(c, blockSize)
	targetSize := c.Stride
	if req.IsPullBlock {
		targetSize = c.TensorSize
	}

	descs := make([]fabric.OneSideDesc, 0, uint64(len(src))*uint64(len(req.SrcBlocks)))
	for i := range src {
		for j, srcBlock := range req.SrcBlocks {
			dstBlock := req.DstBlocks[j]
			if srcBlock.BufferLen != dstBlock.BufferLen {
				return nil, errs.Newf(op, errs.ParamInvalid, "req:%d model_id:%d src buffer_len (%d) != dst buffer_len (%d) at block %d", req.ReqID, req.ModelID, srcBlock.BufferLen, dstBlock.BufferLen, j)
			}
			if srcBlock.BlockStartIndex >= bound {
				return nil, errs.Newf(op, errs.ParamInvalid, "req:%d model_id:%d src block index (%d) is out of range [0, %d)", req.ReqID, req.ModelID, srcBlock.BlockStartIndex, bound)
			}
			if srcBlock.BufferLen > targetSize {
				return nil, errs.Newf(op, errs.ParamInvalid, "req:%d model_id:%d tensor size (%d) < required size (%d)", req.ReqID, req.ModelID, targetSize, srcBlock.BufferLen)
			}
			descs = append(descs, fabric.OneSideDesc{
				LocalAddr:  src[i] + srcBlock.BlockStartIndex*blockSize,
				RemoteAddr: dst[i] + dstBlock.BlockStartIndex*blockSize,
				Count:      srcBlock.BufferLen,
			})
		}
	}
	return descs, nil
}

// h2dStage is one bounce buffer's position in the Idle->Copy->Transfer->
// End-wait pipeline (spec §4.6).
type h2dStage int

const (
	h2dIdle h2dStage = iota
	h2dCopy
	h2dTransfer
	h2dEndWait
)

// h2dBuffer is one rotating device staging buffer together with the round
// of work currently staged through it: srcSlices drive the host->device
// copy, dstSlices (consumed in lockstep via TaskBatcher's
// maxTransferInfoNum parameter, spec §4.9) drive the BatchPut that follows.
type h2dBuffer struct {
	buf   pool.BounceBuffer
	stage h2dStage

	srcSlices []BufferSlice
	dstSlices []BufferSlice
	event     fabric.Evt
}

// H2DJob drives a host-cache-to-device-destination transfer. The source
// tensors live in host memory the fabric cannot address directly, so a
// TaskBatcher per side walks the request's (or synthesized, for a
// contiguous pull) block list into buffer-sized rounds, each staged through
// one of DefaultBufferNum rotating device bounce buffers: while one buffer's
// put is draining (End-wait), another can already be mid-copy, so the
// pipeline overlaps host->device copy time with network time (spec §4.6).
type H2DJob struct {
	rt     fabric.AcceleratorRuntime
	fab    fabric.Fabric
	comm   fabric.Comm
	remote int
	stream fabric.Stream

	srcBases  []uint64
	dstBases  []uint64
	blockSize uint64

	srcBatcher *TaskBatcher
	dstBatcher *TaskBatcher

	buffers []h2dBuffer
}

// NewH2DJob builds an H2DJob. bounce must outlive the job; the caller owns
// its lifecycle since it is shared across requests (spec §4.6).
func NewH2DJob(rt fabric.AcceleratorRuntime, fab fabric.Fabric, comm fabric.Comm, remoteRank int, stream fabric.Stream, bounce *pool.BounceBufferPool, resolved *Resolved, req *model.TransferCacheReq) (*H2DJob, error) {
	const op = "transfer.NewH2DJob"

	src, dst, err := tensorBases(resolved, req)
	if err != nil {
		return nil, err
	}

	c := resolved.Cache
	blockSize := blockSizeOf(c, req)
	srcBlocks, dstBlocks := req.SrcBlocks, req.DstBlocks
	if len(srcBlocks) == 0 && len(dstBlocks) == 0 {
		size := req.PullSize
		if size == 0 {
			size = c.Stride
		}
		blockSize = size
		srcBlocks = []model.BlockInfo{{BlockStartIndex: 0, BufferLen: size}}
		dstBlocks = []model.BlockInfo{{BlockStartIndex: 0, BufferLen: size}}
	}
	if len(srcBlocks) != len(dstBlocks) {
		return nil, errs.Newf(op, errs.ParamInvalid, "src_blocks has %d entries, dst_blocks has %d", len(srcBlocks), len(dstBlocks))
	}

	buffers := bounce.Buffers()
	if len(buffers) == 0 {
		return nil, errs.New(op, errs.Internal, "bounce buffer pool is empty")
	}

	job := &H2DJob{
		rt: rt, fab: fab, comm: comm, remote: remoteRank, stream: stream,
		srcBases: src, dstBases: dst, blockSize: blockSize,
		srcBatcher: NewTaskBatcher(uint32(buffers[0].Size)),
		dstBatcher: NewTaskBatcher(uint32(buffers[0].Size)),
		buffers:    make([]h2dBuffer, len(buffers)),
	}
	job.srcBatcher.Initialize(uint32(len(src)), uint32(blockSize), srcBlocks)
	job.dstBatcher.Initialize(uint32(len(dst)), uint32(blockSize), dstBlocks)
	for i, b := range buffers {
		job.buffers[i] = h2dBuffer{buf: b, stage: h2dIdle}
	}
	return job, nil
}

// Process advances every buffer's pipeline by one stage transition, then
// reports done once every buffer is Idle with no more rounds left to pull
// from the batchers (spec §4.6).
func (j *H2DJob) Process(ctx context.Context) (bool, error) {
	const op = "transfer.H2DJob.Process"

	allIdle := true
	for i := range j.buffers {
		b := &j.buffers[i]
		switch b.stage {
		case h2dIdle:
			if err := j.startRound(b); err != nil {
				return true, err
			}
			if b.stage != h2dIdle {
				allIdle = false
			}
		case h2dCopy:
			allIdle = false
			if err := j.runCopy(ctx, b); err != nil {
				return true, errs.Wrap(op, errs.Internal, err, "stage host source into bounce buffer")
			}
			b.stage = h2dTransfer
		case h2dTransfer:
			allIdle = false
			if err := j.runTransfer(b); err != nil {
				return true, errs.Wrap(op, errs.SuspectRemoteError, err, "staged put failed")
			}
			b.stage = h2dEndWait
		case h2dEndWait:
			allIdle = false
			done, err := j.rt.EventQueryStatus(b.event)
			if err != nil {
				return true, errs.Wrap(op, errs.Internal, err, "query event status")
			}
			if !done {
				continue
			}
			if err := j.rt.EventDestroy(b.event); err != nil {
				return true, errs.Wrap(op, errs.Internal, err, "destroy event")
			}
			b.event = nil
			b.srcSlices, b.dstSlices = nil, nil
			b.stage = h2dIdle
		}
	}
	return allIdle, nil
}

// startRound pulls this buffer's next round of work from the two batchers,
// driven in lockstep: the destination batcher is capped to exactly the
// number of transfer infos the source batcher just consumed, so both sides
// advance through req.SrcBlocks/req.DstBlocks together even though their
// differing block indices can make them coalesce into a different number
// of BufferSlice entries (spec §4.9).
func (j *H2DJob) startRound(b *h2dBuffer) error {
	srcSlices := j.srcBatcher.NextBatch(0)
	if len(srcSlices) == 0 {
		return nil
	}
	dstSlices := j.dstBatcher.NextBatch(j.srcBatcher.TransferInfoNum())
	b.srcSlices, b.dstSlices = srcSlices, dstSlices
	b.stage = h2dCopy
	return nil
}

// runCopy stages every source slice of this round into the buffer via a
// bounded-concurrency worker pool (spec §4.6's CPU thread pool, constants.
// DefaultCopyWorkers wide), using errgroup's SetLimit as the bound.
func (j *H2DJob) runCopy(ctx context.Context, b *h2dBuffer) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(constants.DefaultCopyWorkers)
	for _, slice := range b.srcSlices {
		slice := slice
		g.Go(func() error {
			src := j.srcBases[slice.DataIndex] + slice.DataOffset
			dst := b.buf.Addr + uint64(slice.BufferOffset)
			return j.rt.MemcpySync(dst, src, uint64(slice.DataSize), fabric.H2D)
		})
	}
	return g.Wait()
}

// runTransfer builds one-sided descriptors from this round's destination
// slices, addressed relative to the buffer's staged bytes, and puts them in
// MaxBatchPutNum-sized sub-batches before recording the event End-wait
// polls.
func (j *H2DJob) runTransfer(b *h2dBuffer) error {
	descs := make([]fabric.OneSideDesc, len(b.dstSlices))
	for i, slice := range b.dstSlices {
		descs[i] = fabric.OneSideDesc{
			LocalAddr:  b.buf.Addr + uint64(slice.BufferOffset),
			RemoteAddr: j.dstBases[slice.DataIndex] + slice.DataOffset,
			Count:      uint64(slice.DataSize),
		}
	}
	for _, batch := range batchesOf(descs) {
		if err := j.fab.BatchPut(j.comm, j.remote, batch, j.stream); err != nil {
			return err
		}
	}
	ev, err := j.rt.EventCreate()
	if err != nil {
		return err
	}
	if err := j.rt.EventRecord(ev, j.stream); err != nil {
		return err
	}
	b.event = ev
	return nil
}
