package model

// TableKeyEntry is one bound key published inside a TableEntry (spec §3's
// keys[] tail: {req_id, model_id, batch_index, size}).
type TableKeyEntry struct {
	ReqID      uint64
	ModelID    uint64
	BatchIndex uint64
	Size       uint64
}

// TableEntry is one Cache's published row in a CacheAccessTable snapshot.
type TableEntry struct {
	CacheID    int64
	NumTensors uint32
	Layout     Layout
	Placement  Placement
	Stride     uint64
	TensorSize uint64
	NumBlocks  uint64
	Addrs      []uint64
	Keys       []TableKeyEntry
}

// TableSnapshot is the full, version-stamped cache-access-table payload
// (spec §3). Version increases monotonically; a reader that observes
// version V alongside this payload is guaranteed a consistent view as of V.
type TableSnapshot struct {
	Version uint64
	Entries []TableEntry
}
