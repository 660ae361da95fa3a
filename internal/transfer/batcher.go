// Package transfer implements the per-request transfer pipeline: resolving
// a TransferCacheReq to the Cache slot and byte offset it names, choosing a
// transfer direction, and draining it through one of the three data-transfer
// jobs in bounded-size batches (spec §4, §4.6, §4.9).
package transfer

import "github.com/kvxfer/engine/internal/model"

// maxTaskNumInBatch caps the descriptors one NextBatch call emits absent an
// explicit cap, matching task_batcher.cc's kMaxTaskNumInBatch.
const maxTaskNumInBatch = 64

// maxBlockSize is the largest single coalesced slice NextBatch emits before
// splitting a transfer info across multiple slices.
const maxBlockSize = 4 * 1024 * 1024

// noMax is the sentinel "no max_transfer_info_num was given" value, mirroring
// the source's UINT32_MAX.
const noMax = ^uint32(0)

// BufferSlice is one coalesced region of a single tensor to move: buffer_offset
// bytes into the caller's flat bounce/host buffer maps to data_size bytes
// starting at data_offset within tensor data_index (spec §4.9).
type BufferSlice struct {
	BufferOffset uint32
	DataIndex    uint32
	DataOffset   uint64
	DataSize     uint32
}

// TaskBatcher walks a list of per-tensor transfer infos (source or
// destination BlockInfo entries) and emits BufferSlice batches sized to fit
// a fixed-size buffer, coalescing adjacent same-tensor regions and splitting
// any single region wider than maxBlockSize (grounded line-for-line on
// task_batcher.cc's NextBatch/GetOffsetAndLength/UpdateIndices).
type TaskBatcher struct {
	bufferSize uint32
	numTensors uint32
	blockSize  uint32

	currentTensorIndex       uint32
	currentTransferInfoIndex uint32
	numTransferInfos         uint32
	remainingDataLen         uint64
	remainingDataOffset      uint64
	transferInfoNum          uint32

	transferInfos []model.BlockInfo
}

// NewTaskBatcher returns a TaskBatcher that will emit slices no larger than
// bufferSize per NextBatch call.
func NewTaskBatcher(bufferSize uint32) *TaskBatcher {
	return &TaskBatcher{bufferSize: bufferSize}
}

// Initialize (re)starts iteration over transferInfos: numTensors copies of
// the same transferInfos list, each transfer info's block_start_index
// scaled by blockSize to a byte offset.
func (b *TaskBatcher) Initialize(numTensors, blockSize uint32, transferInfos []model.BlockInfo) {
	b.numTensors = numTensors
	b.blockSize = blockSize
	b.numTransferInfos = uint32(len(transferInfos))
	b.transferInfos = transferInfos
	b.currentTensorIndex = 0
	b.currentTransferInfoIndex = 0
	b.remainingDataLen = 0
	b.remainingDataOffset = 0
}

// NextBatch returns the next batch of BufferSlices, stopping when the
// buffer is full, maxTransferInfoNum transfer infos have been consumed, or
// every tensor has been exhausted. Pass 0 or noMax (0 is treated as noMax)
// to use the default maxTaskNumInBatch cap instead of a caller-supplied one.
func (b *TaskBatcher) NextBatch(maxTransferInfoNum uint32) []BufferSlice {
	if maxTransferInfoNum == 0 {
		maxTransferInfoNum = noMax
	}
	var ret []BufferSlice
	bufferOffset := uint32(0)
	remainingBufferLen := b.bufferSize
	prevBlockEndOffset := ^uint64(0)
	prevTensorIndex := ^uint32(0)
	numTasks := uint32(0)
	b.transferInfoNum = 0

	for remainingBufferLen > 0 {
		if b.currentTensorIndex >= b.numTensors {
			break
		}
		if maxTransferInfoNum == noMax && numTasks >= maxTaskNumInBatch {
			break
		}
		if b.transferInfoNum >= maxTransferInfoNum {
			break
		}

		dataOffset, dataSize64 := b.getOffsetAndLength(remainingBufferLen)
		dataSize := uint32(dataSize64)

		if len(ret) > 0 && b.currentTensorIndex == prevTensorIndex &&
			dataOffset == prevBlockEndOffset &&
			ret[len(ret)-1].DataSize+dataSize <= maxBlockSize {
			ret[len(ret)-1].DataSize += dataSize
		} else {
			ret = append(ret, BufferSlice{
				BufferOffset: bufferOffset,
				DataIndex:    b.currentTensorIndex,
				DataOffset:   dataOffset,
				DataSize:     dataSize,
			})
			numTasks++
		}

		bufferOffset += dataSize
		remainingBufferLen -= dataSize
		prevBlockEndOffset = dataOffset + uint64(dataSize)
		prevTensorIndex = b.currentTensorIndex
		b.transferInfoNum++
		b.updateIndices()
	}
	return ret
}

func (b *TaskBatcher) getOffsetAndLength(remainingBufferLen uint32) (dataOffset uint64, dataSize uint64) {
	if b.remainingDataLen > 0 {
		dataSize = b.remainingDataLen
		dataOffset = b.remainingDataOffset
	} else {
		info := b.transferInfos[b.currentTransferInfoIndex]
		dataOffset = info.BlockStartIndex * uint64(b.blockSize)
		dataSize = info.BufferLen
	}

	maxDataSize := uint64(remainingBufferLen)
	if uint64(maxBlockSize) < maxDataSize {
		maxDataSize = maxBlockSize
	}
	if maxDataSize < dataSize {
		b.remainingDataLen = dataSize - maxDataSize
		b.remainingDataOffset = dataOffset + maxDataSize
		dataSize = maxDataSize
	} else {
		b.remainingDataLen = 0
		b.remainingDataOffset = 0
	}
	return dataOffset, dataSize
}

func (b *TaskBatcher) updateIndices() {
	if b.remainingDataLen != 0 {
		return
	}
	if b.currentTransferInfoIndex == b.numTransferInfos-1 {
		b.currentTransferInfoIndex = 0
		b.currentTensorIndex++
	} else {
		b.currentTransferInfoIndex++
	}
}

// TransferInfoNum returns how many transfer infos the most recent NextBatch
// call consumed.
func (b *TaskBatcher) TransferInfoNum() uint32 { return b.transferInfoNum }
