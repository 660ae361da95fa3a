package wire

import (
	"encoding/binary"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

// MarshalRequest packs a TransferCacheReq into its bit-exact wire form:
// the fixed header followed by dst_addr_count raw destination pointers,
// then buffer_info_count source block-info entries, then buffer_info_count
// destination block-info entries (spec §3).
func MarshalRequest(r *model.TransferCacheReq) []byte {
	bufferInfoCount := len(r.SrcBlocks)
	size := reqHeaderSize + len(r.DstAddrs)*dstAddrEntrySize + 2*bufferInfoCount*blockInfoEntrySize
	buf := make([]byte, size)

	putBool(buf[0:8], r.IsPullBlock)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.NumTensors))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.CacheID))
	binary.LittleEndian.PutUint64(buf[24:32], r.BatchIndex)
	binary.LittleEndian.PutUint64(buf[32:40], r.ReqID)
	binary.LittleEndian.PutUint64(buf[40:48], r.PrefixID)
	binary.LittleEndian.PutUint64(buf[48:56], r.ModelID)
	binary.LittleEndian.PutUint64(buf[56:64], r.BlockSize)
	binary.LittleEndian.PutUint64(buf[64:72], r.PullSize)
	binary.LittleEndian.PutUint64(buf[72:80], r.MaxBlockIdx)
	binary.LittleEndian.PutUint64(buf[80:88], uint64(r.DstPlacement))
	binary.LittleEndian.PutUint64(buf[88:96], r.TimeoutMs)
	binary.LittleEndian.PutUint64(buf[96:104], uint64(len(r.DstAddrs)))
	binary.LittleEndian.PutUint64(buf[104:112], r.DstBufferSize)
	binary.LittleEndian.PutUint64(buf[112:120], uint64(bufferInfoCount))
	binary.LittleEndian.PutUint64(buf[120:128], r.SrcTensorIndicesSize)
	binary.LittleEndian.PutUint64(buf[128:136], r.SrcTensorStartIndex)

	off := reqHeaderSize
	for _, addr := range r.DstAddrs {
		binary.LittleEndian.PutUint64(buf[off:off+8], addr)
		off += dstAddrEntrySize
	}
	for _, bi := range r.SrcBlocks {
		putBlockInfo(buf[off:off+blockInfoEntrySize], bi)
		off += blockInfoEntrySize
	}
	for _, bi := range r.DstBlocks {
		putBlockInfo(buf[off:off+blockInfoEntrySize], bi)
		off += blockInfoEntrySize
	}
	return buf
}

// UnmarshalRequest parses a TransferCacheReq from its wire form. It returns
// ParamInvalid if data is shorter than the header or the tail counts it
// declares imply a length past the end of data.
func UnmarshalRequest(data []byte) (*model.TransferCacheReq, error) {
	const op = "wire.UnmarshalRequest"
	if len(data) < reqHeaderSize {
		return nil, errs.Newf(op, errs.ParamInvalid, "request too short: %d bytes, want at least %d", len(data), reqHeaderSize)
	}

	r := &model.TransferCacheReq{
		IsPullBlock:          getBool(data[0:8]),
		NumTensors:           uint32(binary.LittleEndian.Uint64(data[8:16])),
		CacheID:              int64(binary.LittleEndian.Uint64(data[16:24])),
		BatchIndex:           binary.LittleEndian.Uint64(data[24:32]),
		ReqID:                binary.LittleEndian.Uint64(data[32:40]),
		PrefixID:             binary.LittleEndian.Uint64(data[40:48]),
		ModelID:              binary.LittleEndian.Uint64(data[48:56]),
		BlockSize:            binary.LittleEndian.Uint64(data[56:64]),
		PullSize:             binary.LittleEndian.Uint64(data[64:72]),
		MaxBlockIdx:          binary.LittleEndian.Uint64(data[72:80]),
		DstPlacement:         model.Placement(binary.LittleEndian.Uint64(data[80:88])),
		TimeoutMs:            binary.LittleEndian.Uint64(data[88:96]),
		SrcTensorIndicesSize: binary.LittleEndian.Uint64(data[120:128]),
		SrcTensorStartIndex:  binary.LittleEndian.Uint64(data[128:136]),
	}
	dstAddrCount := binary.LittleEndian.Uint64(data[96:104])
	r.DstBufferSize = binary.LittleEndian.Uint64(data[104:112])
	bufferInfoCount := binary.LittleEndian.Uint64(data[112:120])

	off := reqHeaderSize
	need := off + int(dstAddrCount)*dstAddrEntrySize + 2*int(bufferInfoCount)*blockInfoEntrySize
	if need > len(data) {
		return nil, errs.Newf(op, errs.ParamInvalid, "request declares %d dst addrs / %d block infos but only %d bytes follow header", dstAddrCount, bufferInfoCount, len(data)-reqHeaderSize)
	}

	r.DstAddrs = make([]uint64, dstAddrCount)
	for i := range r.DstAddrs {
		r.DstAddrs[i] = binary.LittleEndian.Uint64(data[off : off+8])
		off += dstAddrEntrySize
	}
	r.SrcBlocks = make([]model.BlockInfo, bufferInfoCount)
	for i := range r.SrcBlocks {
		r.SrcBlocks[i] = getBlockInfo(data[off : off+blockInfoEntrySize])
		off += blockInfoEntrySize
	}
	r.DstBlocks = make([]model.BlockInfo, bufferInfoCount)
	for i := range r.DstBlocks {
		r.DstBlocks[i] = getBlockInfo(data[off : off+blockInfoEntrySize])
		off += blockInfoEntrySize
	}
	return r, nil
}

func putBlockInfo(b []byte, bi model.BlockInfo) {
	binary.LittleEndian.PutUint64(b[0:8], bi.BlockStartIndex)
	binary.LittleEndian.PutUint64(b[8:16], bi.BufferLen)
}

func getBlockInfo(b []byte) model.BlockInfo {
	return model.BlockInfo{
		BlockStartIndex: binary.LittleEndian.Uint64(b[0:8]),
		BufferLen:       binary.LittleEndian.Uint64(b[8:16]),
	}
}

func putBool(b []byte, v bool) {
	if v {
		binary.LittleEndian.PutUint64(b, 1)
	} else {
		binary.LittleEndian.PutUint64(b, 0)
	}
}

func getBool(b []byte) bool {
	return binary.LittleEndian.Uint64(b) != 0
}
