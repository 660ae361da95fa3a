package wire

import (
	"encoding/binary"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

// MarshalTable packs a TableSnapshot into the bit-exact cache-access-table
// buffer (spec §3): a {version, num_entries} header followed by one
// variable-length entry per Cache. Returns ParamInvalid if the encoded size
// would exceed MaxTableRegionSize, since the region is fixed-size.
func MarshalTable(s *model.TableSnapshot) ([]byte, error) {
	const op = "wire.MarshalTable"
	size := tableHeaderSize
	for _, e := range s.Entries {
		size += tableEntryFixedSize + len(e.Addrs)*tableAddrEntrySize + len(e.Keys)*tableKeyEntrySize
	}
	if size > MaxTableRegionSize {
		return nil, errs.Newf(op, errs.ParamInvalid, "snapshot encodes to %d bytes, exceeds %d byte region", size, MaxTableRegionSize)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], s.Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(s.Entries)))

	off := tableHeaderSize
	for _, e := range s.Entries {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.CacheID))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], e.NumTensors)
		buf[off+12] = byte(e.Layout)
		buf[off+13] = byte(e.Placement)
		// buf[off+14:off+16] reserved padding.
		binary.LittleEndian.PutUint64(buf[off+16:off+24], e.Stride)
		binary.LittleEndian.PutUint64(buf[off+24:off+32], e.TensorSize)
		binary.LittleEndian.PutUint64(buf[off+32:off+40], e.NumBlocks)
		binary.LittleEndian.PutUint32(buf[off+40:off+44], uint32(len(e.Keys)))
		// buf[off+44:off+48] reserved padding.
		off += tableEntryFixedSize

		for _, a := range e.Addrs {
			binary.LittleEndian.PutUint64(buf[off:off+8], a)
			off += tableAddrEntrySize
		}
		for _, k := range e.Keys {
			binary.LittleEndian.PutUint64(buf[off:off+8], k.ReqID)
			binary.LittleEndian.PutUint64(buf[off+8:off+16], k.ModelID)
			binary.LittleEndian.PutUint64(buf[off+16:off+24], k.BatchIndex)
			binary.LittleEndian.PutUint64(buf[off+24:off+32], k.Size)
			off += tableKeyEntrySize
		}
	}
	return buf, nil
}

// UnmarshalTable parses a cache-access-table buffer back into a TableSnapshot.
func UnmarshalTable(data []byte) (*model.TableSnapshot, error) {
	const op = "wire.UnmarshalTable"
	if len(data) < tableHeaderSize {
		return nil, errs.Newf(op, errs.ParamInvalid, "table buffer too short: %d bytes", len(data))
	}
	s := &model.TableSnapshot{
		Version: binary.LittleEndian.Uint64(data[0:8]),
	}
	numEntries := binary.LittleEndian.Uint64(data[8:16])
	s.Entries = make([]model.TableEntry, 0, numEntries)

	off := tableHeaderSize
	for i := uint64(0); i < numEntries; i++ {
		if off+tableEntryFixedSize > len(data) {
			return nil, errs.Newf(op, errs.ParamInvalid, "table buffer truncated at entry %d", i)
		}
		e := model.TableEntry{
			CacheID:    int64(binary.LittleEndian.Uint64(data[off : off+8])),
			NumTensors: binary.LittleEndian.Uint32(data[off+8 : off+12]),
			Layout:     model.Layout(data[off+12]),
			Placement:  model.Placement(data[off+13]),
			Stride:     binary.LittleEndian.Uint64(data[off+16 : off+24]),
			TensorSize: binary.LittleEndian.Uint64(data[off+24 : off+32]),
			NumBlocks:  binary.LittleEndian.Uint64(data[off+32 : off+40]),
		}
		numKeys := binary.LittleEndian.Uint32(data[off+40 : off+44])
		off += tableEntryFixedSize

		need := off + int(e.NumTensors)*tableAddrEntrySize + int(numKeys)*tableKeyEntrySize
		if need > len(data) {
			return nil, errs.Newf(op, errs.ParamInvalid, "table buffer truncated in entry %d's tail", i)
		}
		e.Addrs = make([]uint64, e.NumTensors)
		for j := range e.Addrs {
			e.Addrs[j] = binary.LittleEndian.Uint64(data[off : off+8])
			off += tableAddrEntrySize
		}
		e.Keys = make([]model.TableKeyEntry, numKeys)
		for j := range e.Keys {
			e.Keys[j] = model.TableKeyEntry{
				ReqID:      binary.LittleEndian.Uint64(data[off : off+8]),
				ModelID:    binary.LittleEndian.Uint64(data[off+8 : off+16]),
				BatchIndex: binary.LittleEndian.Uint64(data[off+16 : off+24]),
				Size:       binary.LittleEndian.Uint64(data[off+24 : off+32]),
			}
			off += tableKeyEntrySize
		}
		s.Entries = append(s.Entries, e)
	}
	return s, nil
}
