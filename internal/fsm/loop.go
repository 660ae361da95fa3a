package fsm

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kvxfer/engine/internal/logging"
)

// DefaultTickInterval is how often Loop.Run polls every registered entity
// absent a real completion-notification channel (send_state.cc's real
// RDMA fabric signals completion via interrupt; this engine's fabric
// abstraction (spec §6) exposes no such wakeup, so the servicing thread
// polls instead — the same role queue.Runner's WaitForCompletion(0) plays,
// but driven by a timer rather than a blocking syscall).
const DefaultTickInterval = time.Millisecond

// Loop is the servicing thread: it iterates every registered CommEntity
// once per tick, ticking them one after another on the servicing goroutine
// so every tick runs exclusively (a slow entity is skipped by Tick's
// TryLock rather than waited on), mirroring queue.Runner.ioLoop's "one
// dispatch pass per completion batch" discipline at the per-entity level
// instead of the per-tag level.
type Loop struct {
	mu           sync.Mutex
	entities     map[string]*CommEntity
	cpuAffinity  []int
	tickInterval time.Duration
	logger       *logging.Logger
}

// NewLoop returns an empty Loop. cpuAffinity, if non-empty, pins the
// servicing goroutine's OS thread to cpuAffinity[0] (queue.Runner.ioLoop's
// CPU-pinning, carried over verbatim since a servicing thread benefits from
// the same cache-locality argument an io_uring polling thread does). logger,
// if nil, falls back to logging.Default().
func NewLoop(tickInterval time.Duration, cpuAffinity []int, logger *logging.Logger) *Loop {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Loop{
		entities:     make(map[string]*CommEntity),
		cpuAffinity:  cpuAffinity,
		tickInterval: tickInterval,
		logger:       logger,
	}
}

// Add registers an entity with the loop. Safe to call while Run is active.
func (l *Loop) Add(e *CommEntity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities[e.ID()] = e
}

// Remove unregisters an entity by id. It does not Destroy the entity itself
// — the caller (internal/linkmgr) does that as part of tearing down the
// comm the entity was bound to.
func (l *Loop) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entities, id)
}

// Run pins the calling goroutine's OS thread and drives every registered
// entity once per tick until ctx is cancelled. Callers run this in its own
// goroutine, exactly as queue.Runner.Start does with its ioLoop.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(l.cpuAffinity) > 0 {
		var mask unix.CPUSet
		mask.Set(l.cpuAffinity[0])
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			// Non-fatal, matching ioLoop: continue servicing without pinning
			// rather than give up an entire servicing thread over affinity.
			l.logger.Warn("failed to set servicing thread CPU affinity", "cpu", l.cpuAffinity[0], "error", err)
		}
	}

	l.logger.Debug("servicing loop starting", "tick_interval", l.tickInterval.String())

	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("servicing loop stopping")
			return nil
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.logger.Error("servicing tick failed", "error", err)
				return err
			}
		}
	}
}

// RunOnce drives every registered entity through exactly one Tick,
// sequentially on the calling goroutine, stopping at the first Tick error —
// the per-entity equivalent of processRequests draining one batch of
// completions before its single FlushSubmissions call. Exported so tests
// (and a caller driving the loop manually, e.g. in a single-threaded demo)
// don't need a ticker to exercise it.
func (l *Loop) RunOnce(ctx context.Context) error {
	l.mu.Lock()
	batch := make([]*CommEntity, 0, len(l.entities))
	for _, e := range l.entities {
		batch = append(batch, e)
	}
	l.mu.Unlock()

	for _, e := range batch {
		if _, err := e.Tick(ctx); err != nil {
			return err
		}
	}
	return nil
}
