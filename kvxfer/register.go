package kvxfer

import (
	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/model"
)

// AutoAssignCacheID requests a manager-assigned dense cache id from Register.
const AutoAssignCacheID = constants.AutoAssignCacheID

// Re-export the model types a caller needs to build a CacheSpec/CacheKey
// without importing internal/model directly.
type (
	Placement = model.Placement
	Layout    = model.Layout
	CacheKey  = model.CacheKey
)

const (
	Host   = model.Host
	Device = model.Device
)

const (
	Contiguous = model.Contiguous
	Blocks     = model.Blocks
	Mix        = model.Mix
)

// NewCacheKey builds a CacheKey, collapsing the wire prefix_id sentinel into
// IsPrefix() the same way internal/model.NewCacheKey does.
func NewCacheKey(promptClusterID uint64, promptCacheID int64, promptBatchIndex, reqID, prefixID, modelID uint64, isAllocateBlocks bool) CacheKey {
	return model.NewCacheKey(promptClusterID, promptCacheID, promptBatchIndex, reqID, prefixID, modelID, isAllocateBlocks)
}

// CacheSpec is the caller-facing description of a cache to register — the
// translated form of the Allocate/RegisterCache parameters (spec §4.7).
// CacheID may be left negative (constants.AutoAssignCacheID) to let the
// manager assign a dense id.
type CacheSpec struct {
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
}

func (s CacheSpec) toModel() *model.Cache {
	return &model.Cache{
		CacheID:          s.CacheID,
		Placement:        s.Placement,
		Layout:           s.Layout,
		NumTensors:       s.NumTensors,
		CacheAddrs:       s.CacheAddrs,
		TensorSize:       s.TensorSize,
		BatchSize:        s.BatchSize,
		NumBlocks:        s.NumBlocks,
		Stride:           s.Stride,
		IsOwned:          s.IsOwned,
		RemoteAccessible: s.RemoteAccessible,
	}
}

// Register (Allocate/RegisterCache) records spec as a new cache slot,
// optionally binding keys to it atomically, and republishes the
// cache-access-table snapshot. If spec.RemoteAccessible is set, the
// backing memory is also registered with the fabric so a peer can resolve
// it after the next LinkClusters (spec §3's remote_accessible / §4.1 step 2).
func (e *Engine) Register(spec CacheSpec, keys []CacheKey) (int64, error) {
	const op = "kvxfer.Engine.Register"
	c := spec.toModel()
	id, err := e.cacheMgr.RegisterCache(c, keys)
	if err != nil {
		return 0, err
	}

	if spec.RemoteAccessible {
		kind := fabric.MemDevice
		if spec.Placement == model.Host {
			kind = fabric.MemHost
		}
		for _, addr := range spec.CacheAddrs {
			if _, err := e.link.RegisterGlobalMem(addr, spec.TensorSize, kind); err != nil {
				return id, errs.Wrap(op, errs.CodeOf(err), err, "register cache memory with fabric")
			}
		}
	}
	return id, nil
}

// RegisterKey binds an additional key to an already-registered cache.
func (e *Engine) RegisterKey(cacheID int64, k CacheKey) error {
	return e.cacheMgr.RegisterKey(cacheID, k)
}

// RemoveCacheKey erases a single key's binding (auto-eviction's explicit
// counterpart, spec §3).
func (e *Engine) RemoveCacheKey(reqID uint64) error {
	return e.cacheMgr.RemoveCacheKey(reqID)
}

// Unregister (Deallocate) removes cacheID immediately if it has no bound
// keys, otherwise defers destruction until the last bound key is removed
// (spec §4.7's "retained-until-keys-go").
func (e *Engine) Unregister(cacheID int64) error {
	return e.cacheMgr.Unregister(cacheID)
}
