package model

// Addressing is the sealed set of ways a caller may address a cache slot.
// It replaces the duck-typed sentinels the source uses — cache_id=-1 meaning
// "resolve by key" and prefix_id=MAX meaning "not a prefix" — with explicit
// variants a switch can exhaust (spec §9).
type Addressing interface {
	isAddressing()
}

// ByID addresses a cache slot directly by its dense cache id and batch index.
type ByID struct {
	CacheID    int64
	BatchIndex uint64
}

func (ByID) isAddressing() {}

// ByKey addresses a cache slot indirectly through an ordinary (non-prefix)
// request key.
type ByKey struct {
	ReqID   uint64
	ModelID uint64
}

func (ByKey) isAddressing() {}

// ByPrefix addresses a cache slot through a prefix key, kept until explicit
// removal rather than auto-evicted after one pull.
type ByPrefix struct {
	PrefixID uint64
	ModelID  uint64
}

func (ByPrefix) isAddressing() {}
