// Package stats holds the engine's observable counters: per-stream transfer
// statistics and per-entity request statistics (spec §4.4, §9 — "counters
// are per-stream and per-entity; their format is not part of the spec
// except that Dump() is side-effect-only").
package stats

import (
	"sync"
	"sync/atomic"
)

// StreamStats accumulates send_times/total_cost/max_cost for one accelerator
// stream (spec §4.4's "Track send_times / total_cost / max_cost per
// stream"). All fields are updated with atomics so the FSM thread and any
// worker goroutines touching the same stream never need a lock just to
// bump a counter.
type StreamStats struct {
	sendTimes atomic.Uint64
	totalCost atomic.Int64 // nanoseconds
	maxCost   atomic.Int64 // nanoseconds
}

// Record folds one completed transfer's cost into the running totals,
// keeping the running max via a compare-and-swap retry loop.
func (s *StreamStats) Record(cost int64) {
	s.sendTimes.Add(1)
	s.totalCost.Add(cost)
	for {
		cur := s.maxCost.Load()
		if cost <= cur {
			return
		}
		if s.maxCost.CompareAndSwap(cur, cost) {
			return
		}
	}
}

// StreamSnapshot is a side-effect-free read of a StreamStats at one instant.
type StreamSnapshot struct {
	SendTimes uint64
	TotalCost int64
	MaxCost   int64
}

// Snapshot reads the current counters without resetting them.
func (s *StreamStats) Snapshot() StreamSnapshot {
	return StreamSnapshot{
		SendTimes: s.sendTimes.Load(),
		TotalCost: s.totalCost.Load(),
		MaxCost:   s.maxCost.Load(),
	}
}

// EntityStats accumulates per-CommEntity counters: requests received,
// responses sent by result code, and timeouts observed.
type EntityStats struct {
	Requests  atomic.Uint64
	Successes atomic.Uint64
	Errors    atomic.Uint64
	Timeouts  atomic.Uint64
}

// EntitySnapshot is a side-effect-free read of an EntityStats.
type EntitySnapshot struct {
	Requests  uint64
	Successes uint64
	Errors    uint64
	Timeouts  uint64
}

func (e *EntityStats) Snapshot() EntitySnapshot {
	return EntitySnapshot{
		Requests:  e.Requests.Load(),
		Successes: e.Successes.Load(),
		Errors:    e.Errors.Load(),
		Timeouts:  e.Timeouts.Load(),
	}
}

// Registry owns every stream's and entity's stats, keyed by caller-chosen
// IDs (a stream index, an entity/link ID). Dump is side-effect-only: it
// never resets counters (spec §9).
type Registry struct {
	streams  sync.Map // int -> *StreamStats
	entities sync.Map // string -> *EntityStats
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry { return &Registry{} }

// Stream returns the StreamStats for id, creating it on first use.
func (r *Registry) Stream(id int) *StreamStats {
	v, _ := r.streams.LoadOrStore(id, &StreamStats{})
	return v.(*StreamStats)
}

// Entity returns the EntityStats for id, creating it on first use.
func (r *Registry) Entity(id string) *EntityStats {
	v, _ := r.entities.LoadOrStore(id, &EntityStats{})
	return v.(*EntityStats)
}

// Dump returns a point-in-time snapshot of every stream's and entity's
// counters. It has no side effects on the underlying counters.
func (r *Registry) Dump() (streams map[int]StreamSnapshot, entities map[string]EntitySnapshot) {
	streams = make(map[int]StreamSnapshot)
	entities = make(map[string]EntitySnapshot)
	r.streams.Range(func(k, v any) bool {
		streams[k.(int)] = v.(*StreamStats).Snapshot()
		return true
	})
	r.entities.Range(func(k, v any) bool {
		entities[k.(string)] = v.(*EntityStats).Snapshot()
		return true
	})
	return streams, entities
}
