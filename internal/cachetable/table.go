// Package cachetable publishes the CacheManager's state into the bit-exact
// CacheAccessTable buffer (spec §3, §6) that the remote cluster's FSM reads
// to resolve addressing without round-tripping to the owning process.
//
// Readers never block on a writer: UpdateTableBuffer builds a brand new
// buffer off to the side and swaps it in with a single atomic store, so a
// concurrent Bytes()/Version() call always observes a complete, internally
// consistent snapshot.
package cachetable

import (
	"sync/atomic"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/wire"
)

// published is the immutable pair a reader observes together: a version and
// the buffer it was stamped into.
type published struct {
	version uint64
	buf     []byte
}

// Table is the versioned, lock-free-for-readers CacheAccessTable. One Table
// per internal/linkmgr Manager, shared by every peer link it owns.
type Table struct {
	mgr     *cache.Manager
	version atomic.Uint64
	current atomic.Pointer[published]
}

// New returns a Table with an empty, version-0 buffer already published.
func New(mgr *cache.Manager) *Table {
	t := &Table{mgr: mgr}
	t.current.Store(&published{version: 0, buf: mustMarshal(&model.TableSnapshot{Version: 0})})
	return t
}

// UpdateTableBuffer re-reads the CacheManager's current state, marshals it,
// and publishes it as the new current buffer under a version one greater
// than the last published version. Safe to call from the manager's
// onChange hook; safe to call concurrently with any number of Bytes/Version
// readers.
func (t *Table) UpdateTableBuffer() error {
	v := t.version.Add(1)
	entries := t.mgr.SnapshotEntries()
	snap := &model.TableSnapshot{Version: v, Entries: make([]model.TableEntry, 0, len(entries))}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, entryFor(e))
	}

	buf, err := wire.MarshalTable(snap)
	if err != nil {
		return err
	}
	t.current.Store(&published{version: v, buf: buf})
	return nil
}

// entryFor builds one TableEntry from a CacheSnapshot.
func entryFor(cs cache.CacheSnapshot) model.TableEntry {
	c := cs.Cache
	e := model.TableEntry{
		CacheID:    c.CacheID,
		NumTensors: c.NumTensors,
		Layout:     c.Layout,
		Placement:  c.Placement,
		Stride:     c.Stride,
		TensorSize: c.TensorSize,
		NumBlocks:  c.NumBlocks,
		Addrs:      append([]uint64{}, c.CacheAddrs...),
		Keys:       make([]model.TableKeyEntry, 0, len(cs.Keys)),
	}
	for _, k := range cs.Keys {
		e.Keys = append(e.Keys, model.TableKeyEntry{
			ReqID:      k.ReqID,
			ModelID:    k.ModelID,
			BatchIndex: c.IDToBatchIndexAndSize[k.ReqID].BatchIndex,
			Size:       c.IDToBatchIndexAndSize[k.ReqID].Size,
		})
	}
	return e
}

// Bytes returns the currently published buffer and the version it was
// stamped with. The returned slice must not be mutated by the caller.
func (t *Table) Bytes() ([]byte, uint64) {
	p := t.current.Load()
	return p.buf, p.version
}

// Version returns the currently published version without copying the buffer.
func (t *Table) Version() uint64 {
	return t.current.Load().version
}

func mustMarshal(s *model.TableSnapshot) []byte {
	buf, err := wire.MarshalTable(s)
	if err != nil {
		// An empty snapshot always fits within MaxTableRegionSize.
		panic(err)
	}
	return buf
}
