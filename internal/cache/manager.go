// Package cache implements the CacheManager: the cache-id/cache-key index,
// at-most-one-live-cache-per-key guarantee, and deferred ("retained until
// keys go") destruction (spec §4.7).
package cache

import (
	"sync"
	"sync/atomic"

	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/model"
)

// entry is the manager's internal bookkeeping for one registered Cache: the
// Cache itself plus whether Deallocate/Unregister has already been
// requested (so the last key removal can free it).
type entry struct {
	cache     *model.Cache
	retained  bool // Deallocate/Unregister was requested while keys remained
	boundKeys map[uint64]model.CacheKey // CacheKey.ReqID -> key, for non-id addressing
}

// Manager is the CacheManager (spec §4.7). A single mutex guards both maps;
// every critical section is a pointer copy, matching spec §5's "short
// critical sections, pointer copy under lock".
type Manager struct {
	mu      sync.Mutex
	byID    map[int64]*entry
	byKey   map[uint64]*entry // CacheKey.ReqID -> entry, for ByKey/ByPrefix addressing
	nextID  atomic.Int64
	onChange func(*Manager) // hook invoked after any mutation, for cachetable republish
}

// NewManager returns an empty Manager. onChange, if non-nil, is invoked
// (outside the manager's lock) after every registration, unregistration,
// or key change, so internal/cachetable can republish its snapshot.
func NewManager(onChange func(*Manager)) *Manager {
	return &Manager{
		byID:     make(map[int64]*entry),
		byKey:    make(map[uint64]*entry),
		onChange: onChange,
	}
}

// RegisterCache assigns a dense cache_id (if c.CacheID is unset, i.e.
// negative) and records c. keys, if non-empty, are bound atomically with
// registration.
func (m *Manager) RegisterCache(c *model.Cache, keys []model.CacheKey) (int64, error) {
	const op = "cache.Manager.RegisterCache"
	if err := c.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	if c.CacheID < 0 {
		c.CacheID = m.nextID.Add(1) - 1
	} else if _, exists := m.byID[c.CacheID]; exists {
		m.mu.Unlock()
		return 0, errs.Newf(op, errs.ParamInvalid, "cache_id %d already registered", c.CacheID)
	}
	if c.IDToBatchIndexAndSize == nil {
		c.IDToBatchIndexAndSize = make(map[uint64]model.KeyBinding)
	}

	e := &entry{cache: c, boundKeys: make(map[uint64]model.CacheKey)}
	for _, k := range keys {
		if _, exists := m.byKey[k.ReqID]; exists {
			m.mu.Unlock()
			return 0, errs.Newf(op, errs.ParamInvalid, "key with req_id %d already bound to a cache", k.ReqID)
		}
	}
	for _, k := range keys {
		m.byKey[k.ReqID] = e
		e.boundKeys[k.ReqID] = k
	}
	m.byID[c.CacheID] = e
	m.mu.Unlock()

	m.notify()
	return c.CacheID, nil
}

// RegisterKey binds an additional key to an already-registered cache.
// Re-registering a req_id that already points elsewhere fails (spec §3's
// "registering a key that already points elsewhere fails").
func (m *Manager) RegisterKey(cacheID int64, k model.CacheKey) error {
	const op = "cache.Manager.RegisterKey"
	m.mu.Lock()
	e, ok := m.byID[cacheID]
	if !ok {
		m.mu.Unlock()
		return errs.Newf(op, errs.CacheNotExist, "cache_id %d not registered", cacheID)
	}
	if existing, exists := m.byKey[k.ReqID]; exists && existing != e {
		m.mu.Unlock()
		return errs.Newf(op, errs.ParamInvalid, "req_id %d already bound to cache_id %d", k.ReqID, existing.cache.CacheID)
	}
	m.byKey[k.ReqID] = e
	e.boundKeys[k.ReqID] = k
	m.mu.Unlock()

	m.notify()
	return nil
}

// RemoveCacheKey erases a single key's binding. If the owning cache was
// already retained (Deallocate/Unregister was requested) and this was its
// last bound key, the cache is freed now.
func (m *Manager) RemoveCacheKey(reqID uint64) error {
	const op = "cache.Manager.RemoveCacheKey"
	m.mu.Lock()
	e, ok := m.byKey[reqID]
	if !ok {
		m.mu.Unlock()
		return errs.Newf(op, errs.CacheNotExist, "no key bound for req_id %d", reqID)
	}
	delete(m.byKey, reqID)
	delete(e.boundKeys, reqID)
	if e.retained && len(e.boundKeys) == 0 {
		delete(m.byID, e.cache.CacheID)
	}
	m.mu.Unlock()

	m.notify()
	return nil
}

// Unregister (Deallocate) removes the cache immediately if it has no bound
// keys; otherwise it marks the entry retained so in-flight pulls against
// the remaining keys still succeed, and the last RemoveCacheKey call frees
// it (spec §4.7).
func (m *Manager) Unregister(cacheID int64) error {
	const op = "cache.Manager.Unregister"
	m.mu.Lock()
	e, ok := m.byID[cacheID]
	if !ok {
		m.mu.Unlock()
		return errs.Newf(op, errs.CacheNotExist, "cache_id %d not registered", cacheID)
	}
	if len(e.boundKeys) == 0 {
		delete(m.byID, cacheID)
	} else {
		e.retained = true
	}
	m.mu.Unlock()

	m.notify()
	return nil
}

// GetCacheEntry resolves an Addressing value to the live Cache it names.
func (m *Manager) GetCacheEntry(addr model.Addressing) (*model.Cache, error) {
	const op = "cache.Manager.GetCacheEntry"
	m.mu.Lock()
	defer m.mu.Unlock()

	switch a := addr.(type) {
	case model.ByID:
		e, ok := m.byID[a.CacheID]
		if !ok {
			return nil, errs.Newf(op, errs.CacheNotExist, "cache_id %d not registered", a.CacheID)
		}
		return e.cache, nil
	case model.ByKey:
		e, ok := m.byKey[a.ReqID]
		if !ok {
			return nil, errs.Newf(op, errs.CacheNotExist, "no cache bound for req_id %d", a.ReqID)
		}
		return e.cache, nil
	case model.ByPrefix:
		for _, e := range m.byKey {
			for _, k := range e.boundKeys {
				if k.IsPrefix() && k.PrefixID == a.PrefixID && k.ModelID == a.ModelID {
					return e.cache, nil
				}
			}
		}
		return nil, errs.Newf(op, errs.CacheNotExist, "no cache bound for prefix_id %d", a.PrefixID)
	default:
		return nil, errs.Newf(op, errs.ParamInvalid, "unknown addressing variant %T", addr)
	}
}

// ResolveKey returns the CacheKey an Addressing value resolves through, when
// it resolves through one at all: ByKey and ByPrefix always go through a
// bound key, ByID only incidentally does (when some key happens to be bound
// to that exact cache_id/batch_index slot). ok is false when no such key
// exists — a plain by-id lookup with no bound key is not an error.
func (m *Manager) ResolveKey(addr model.Addressing) (model.CacheKey, bool, error) {
	const op = "cache.Manager.ResolveKey"
	m.mu.Lock()
	defer m.mu.Unlock()

	switch a := addr.(type) {
	case model.ByKey:
		e, ok := m.byKey[a.ReqID]
		if !ok {
			return model.CacheKey{}, false, errs.Newf(op, errs.CacheNotExist, "no cache bound for req_id %d", a.ReqID)
		}
		return e.boundKeys[a.ReqID], true, nil
	case model.ByPrefix:
		for _, e := range m.byKey {
			for _, k := range e.boundKeys {
				if k.IsPrefix() && k.PrefixID == a.PrefixID && k.ModelID == a.ModelID {
					return k, true, nil
				}
			}
		}
		return model.CacheKey{}, false, errs.Newf(op, errs.CacheNotExist, "no cache bound for prefix_id %d", a.PrefixID)
	default:
		return model.CacheKey{}, false, nil
	}
}

// GetCacheKey returns the CacheKey bound for reqID, if any.
func (m *Manager) GetCacheKey(reqID uint64) (model.CacheKey, error) {
	const op = "cache.Manager.GetCacheKey"
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey[reqID]
	if !ok {
		return model.CacheKey{}, errs.Newf(op, errs.CacheNotExist, "no key bound for req_id %d", reqID)
	}
	return e.boundKeys[reqID], nil
}

// Snapshot returns the current set of registered caches, for callers that
// only need the Cache shape. The returned Cache pointers are shared with
// the manager's live state and must not be mutated by the caller.
func (m *Manager) Snapshot() []*model.Cache {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Cache, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e.cache)
	}
	return out
}

// CacheSnapshot pairs a registered Cache with the keys currently bound to
// it, for internal/cachetable to serialize into a TableSnapshot.
type CacheSnapshot struct {
	Cache *model.Cache
	Keys  []model.CacheKey
}

// SnapshotEntries is Snapshot plus each cache's bound keys.
func (m *Manager) SnapshotEntries() []CacheSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CacheSnapshot, 0, len(m.byID))
	for _, e := range m.byID {
		keys := make([]model.CacheKey, 0, len(e.boundKeys))
		for _, k := range e.boundKeys {
			keys = append(keys, k)
		}
		out = append(out, CacheSnapshot{Cache: e.cache, Keys: keys})
	}
	return out
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange(m)
	}
}
