// Package model holds the engine's core data types — Cache, CacheKey,
// CacheEntry, and the Addressing tagged variants that replace the source's
// duck-typed sentinel values (spec §3, §9).
package model

import (
	"fmt"

	"github.com/kvxfer/engine/internal/errs"
)

// Placement is the memory space a Cache's tensors live in.
type Placement uint8

const (
	Host Placement = iota
	Device
)

func (p Placement) String() string {
	switch p {
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("Placement(%d)", uint8(p))
	}
}

// Layout is a Cache's tensor shape discipline.
type Layout uint8

const (
	// Contiguous: shape [batch, ...], stride = per-batch bytes.
	Contiguous Layout = iota
	// Blocks: shape [num_blocks, ...], stride = per-block bytes.
	Blocks
	// Mix: registered external memory; num_blocks may still be > 0.
	Mix
)

func (l Layout) String() string {
	switch l {
	case Contiguous:
		return "contiguous"
	case Blocks:
		return "blocks"
	case Mix:
		return "mix"
	default:
		return fmt.Sprintf("Layout(%d)", uint8(l))
	}
}

// KeyBinding records the batch slot a CacheKey currently owns, so the
// manager can auto-evict it when the associated request completes
// (spec §3's id_to_batch_index_and_size).
type KeyBinding struct {
	BatchIndex uint64
	Size       uint64
}

// Cache is a registered payload: a set of cache_addrs (one per tensor) with
// a shared layout, plus the set of CacheKeys currently bound to it.
type Cache struct {
	CacheID          int64
	Placement        Placement
	Layout           Layout
	NumTensors       uint32
	CacheAddrs       []uint64
	TensorSize       uint64
	BatchSize        uint64
	NumBlocks        uint64
	Stride           uint64
	IsOwned          bool
	RemoteAccessible bool

	// IDToBatchIndexAndSize maps a bound CacheKey's identity (its RequestID,
	// per spec §3) to the batch slot it occupies.
	IDToBatchIndexAndSize map[uint64]KeyBinding
}

// Validate checks the invariants spec §3 states for every Cache.
func (c *Cache) Validate() error {
	const op = "model.Cache.Validate"
	if uint32(len(c.CacheAddrs)) != c.NumTensors {
		return errs.Newf(op, errs.ParamInvalid, "cache_addrs has %d entries, want num_tensors=%d", len(c.CacheAddrs), c.NumTensors)
	}
	for i, a := range c.CacheAddrs {
		if a == 0 {
			return errs.Newf(op, errs.ParamInvalid, "cache_addrs[%d] is nil", i)
		}
	}
	if (c.Layout == Blocks) != (c.NumBlocks > 0) {
		return errs.Newf(op, errs.ParamInvalid, "layout=%s but num_blocks=%d", c.Layout, c.NumBlocks)
	}
	return nil
}

// CacheKey identifies a single request's claim on a cache slot
// (prompt_cluster_id, prompt_cache_id, prompt_batch_index, req_id,
// prefix_id, model_id, is_allocate_blocks) per spec §3.
//
// The wire sentinel prefix_id == MAX ("not a prefix") is resolved into the
// isPrefix field once, at construction (NewCacheKey), so nothing downstream
// has to special-case the sentinel again (spec §9's duck-typed key types).
type CacheKey struct {
	PromptClusterID  uint64
	PromptCacheID    int64
	PromptBatchIndex uint64
	ReqID            uint64
	PrefixID         uint64
	ModelID          uint64
	IsAllocateBlocks bool

	isPrefix bool
}

// NewCacheKey builds a CacheKey from wire fields, collapsing the
// prefix_id == MAX sentinel into the IsPrefix flag.
func NewCacheKey(promptClusterID uint64, promptCacheID int64, promptBatchIndex, reqID, prefixID, modelID uint64, isAllocateBlocks bool) CacheKey {
	return CacheKey{
		PromptClusterID:  promptClusterID,
		PromptCacheID:    promptCacheID,
		PromptBatchIndex: promptBatchIndex,
		ReqID:            reqID,
		PrefixID:         prefixID,
		ModelID:          modelID,
		IsAllocateBlocks: isAllocateBlocks,
		isPrefix:         prefixID != MaxPrefixID,
	}
}

// IsPrefix reports whether this key is a prefix key (kept until explicit
// removal) as opposed to an ordinary request key (removed after one
// successful non-prefix pull).
func (k CacheKey) IsPrefix() bool { return k.isPrefix }

// MaxPrefixID is the wire sentinel for "this key is not a prefix key".
const MaxPrefixID = ^uint64(0)

// CacheEntry binds a CacheKey to the Cache slot it currently owns. The
// manager's index maps a key to exactly one entry (spec §3's "a key maps
// to exactly one cache slot").
type CacheEntry struct {
	Key        CacheKey
	CacheID    int64
	BatchIndex uint64
}
