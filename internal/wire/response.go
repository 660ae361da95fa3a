package wire

import (
	"encoding/binary"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

// MarshalResponse packs a ResponseInfo into its wire form: the fixed fields
// followed by the sync_flag_addresses tail (spec §3).
func MarshalResponse(r *model.ResponseInfo) []byte {
	size := respInfoFixedSize + len(r.SyncFlagAddresses)*syncFlagAddrEntrySize
	buf := make([]byte, size)

	binary.LittleEndian.PutUint64(buf[0:8], r.ReqID)
	binary.LittleEndian.PutUint64(buf[8:16], r.ModelID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.RetCode))
	binary.LittleEndian.PutUint32(buf[20:24], r.TransferCount)
	binary.LittleEndian.PutUint32(buf[24:28], r.BlockSize)
	// bytes 28:32 reserved padding.

	off := respInfoFixedSize
	for _, addr := range r.SyncFlagAddresses {
		binary.LittleEndian.PutUint64(buf[off:off+8], addr)
		off += syncFlagAddrEntrySize
	}
	return buf
}

// UnmarshalResponse parses a ResponseInfo from its wire form.
func UnmarshalResponse(data []byte) (*model.ResponseInfo, error) {
	const op = "wire.UnmarshalResponse"
	if len(data) < respInfoFixedSize {
		return nil, errs.Newf(op, errs.ParamInvalid, "response too short: %d bytes, want at least %d", len(data), respInfoFixedSize)
	}
	r := &model.ResponseInfo{
		ReqID:         binary.LittleEndian.Uint64(data[0:8]),
		ModelID:       binary.LittleEndian.Uint64(data[8:16]),
		RetCode:       int32(binary.LittleEndian.Uint32(data[16:20])),
		TransferCount: binary.LittleEndian.Uint32(data[20:24]),
		BlockSize:     binary.LittleEndian.Uint32(data[24:28]),
	}
	remaining := len(data) - respInfoFixedSize
	if remaining%syncFlagAddrEntrySize != 0 {
		return nil, errs.Newf(op, errs.ParamInvalid, "trailing %d bytes do not divide into sync flag address entries", remaining)
	}
	n := remaining / syncFlagAddrEntrySize
	r.SyncFlagAddresses = make([]uint64, n)
	off := respInfoFixedSize
	for i := range r.SyncFlagAddresses {
		r.SyncFlagAddresses[i] = binary.LittleEndian.Uint64(data[off : off+8])
		off += syncFlagAddrEntrySize
	}
	return r, nil
}
