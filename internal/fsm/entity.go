// Package fsm implements CommEntity, the per-link state machine that drives
// one TransferCacheReq at a time through resolution and data transfer, and
// Loop, the servicing thread that polls every entity once per tick
// (original_source's fsm/send_state.cc Preprocess/Process/Postprocess triad,
// adapted from the teacher's per-tag completion state machine in
// internal/queue.Runner to a per-entity request lifecycle — spec §4, §9).
package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kvxfer/engine/internal/cache"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/logging"
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/pool"
	"github.com/kvxfer/engine/internal/stats"
	"github.com/kvxfer/engine/internal/transfer"
)

// State is one of CommEntity's lifecycle states.
type State int32

const (
	// StateInit: constructed but not yet Activated — mirrors queue.Runner's
	// tagState(0) "uninitialized" before submitInitialFetchReq.
	StateInit State = iota
	// StateIdle: ready to accept a request via Submit.
	StateIdle
	// StateReceive: holding a submitted request, awaiting Preprocess (resolve
	// + job construction) on the next Tick.
	StateReceive
	// StateSend: a Job is draining; further Ticks call Job.Process.
	StateSend
	// StateError: the in-flight request failed; transient, observed only
	// while Postprocess builds the error response before the entity returns
	// to Idle for its next request.
	StateError
	// StateDestroyed: terminal; Submit and Tick both refuse further work.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateIdle:
		return "idle"
	case StateReceive:
		return "receive"
	case StateSend:
		return "send"
	case StateError:
		return "error"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Deps bundles one CommEntity's collaborators: the shared cache manager plus
// the fabric/runtime handles bound to this entity's single remote peer.
// Bounce is only required for entities that may see an H2D resolution; nil
// is fine for device-only links.
type Deps struct {
	Manager    *cache.Manager
	Fabric     fabric.Fabric
	Comm       fabric.Comm
	Runtime    fabric.AcceleratorRuntime
	RemoteRank int
	Stream     fabric.Stream
	Bounce     *pool.BounceBufferPool
	Stats      *stats.EntityStats
	// Logger, if nil, falls back to logging.Default().
	Logger *logging.Logger
}

// CommEntity is one comm_entity's worth of request-processing state: at most
// one TransferCacheReq in flight, driven to completion one Tick at a time
// (send_state.cc's DataTransferJob::Process, one tick per state).
type CommEntity struct {
	id   string
	deps Deps

	mu       sync.Mutex
	state    State
	req      *model.TransferCacheReq
	received time.Time
	resolved *transfer.Resolved
	job      transfer.Job

	respond func(*model.ResponseInfo)
}

// New returns a CommEntity in StateInit. respond, if non-nil, is invoked
// (while the entity's lock is held) with every response the entity produces
// — the caller's job is to get it onto the wire (spec §4's response slot).
func New(id string, deps Deps, respond func(*model.ResponseInfo)) *CommEntity {
	return &CommEntity{id: id, deps: deps, state: StateInit, respond: respond}
}

// ID returns the entity's identifier (a link or peer name, caller's choice).
func (e *CommEntity) ID() string { return e.id }

func (e *CommEntity) log() *logging.Logger {
	l := e.deps.Logger
	if l == nil {
		l = logging.Default()
	}
	return l.WithEntity(e.id)
}

// State reports the entity's current state.
func (e *CommEntity) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Activate transitions StateInit -> StateIdle. Called once after the
// entity's comm/stream are ready to accept traffic (LinkClusters's
// completion, spec §4.1).
func (e *CommEntity) Activate() error {
	const op = "fsm.CommEntity.Activate"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateInit {
		return errs.Newf(op, errs.Internal, "entity %s: Activate called in state %s", e.id, e.state)
	}
	e.state = StateIdle
	return nil
}

// Submit hands the entity a request to drive. It fails with LinkBusy if the
// entity cannot accept one right now — either another request is already in
// flight, or the entity's lock is momentarily held by a concurrent Tick
// (queue.Runner's submitInitialFetchReq guards against exactly this kind of
// double submission with the same per-tag mutex).
func (e *CommEntity) Submit(req *model.TransferCacheReq, receivedAt time.Time) error {
	const op = "fsm.CommEntity.Submit"
	if !e.mu.TryLock() {
		return errs.New(op, errs.LinkBusy, "entity is mid-tick")
	}
	defer e.mu.Unlock()

	if e.state == StateDestroyed {
		return errs.Newf(op, errs.Internal, "entity %s is destroyed", e.id)
	}
	if e.state != StateIdle {
		return errs.Newf(op, errs.LinkBusy, "entity %s not idle (state=%s)", e.id, e.state)
	}

	e.req = req
	e.received = receivedAt
	e.state = StateReceive
	if e.deps.Stats != nil {
		e.deps.Stats.Requests.Add(1)
	}
	return nil
}

// Destroy transitions the entity to StateDestroyed, refusing all further
// Submit/Tick calls. Any request mid-flight is abandoned without a response
// — the caller (internal/linkmgr) only destroys an entity once its comm has
// already been torn down, so there is nowhere left to send one.
func (e *CommEntity) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateDestroyed
	e.req, e.resolved, e.job = nil, nil, nil
}

// Tick advances the entity by one step, returning whether it made progress.
// Like handleCompletion, it never blocks: if the entity's lock is currently
// held (by Submit, or by another Tick call racing in from a prior
// un-drained servicing pass) it returns false,nil immediately rather than
// stalling the whole servicing loop on one busy entity.
func (e *CommEntity) Tick(ctx context.Context) (bool, error) {
	if !e.mu.TryLock() {
		return false, nil
	}
	defer e.mu.Unlock()

	switch e.state {
	case StateReceive:
		e.preprocess()
		return true, nil
	case StateSend:
		return e.process(ctx)
	default:
		return false, nil
	}
}

// preprocess is send_state.cc's Preprocess: resolve addressing to a cache
// slot and direction, then build the direction-appropriate Job. A resolution
// failure goes straight to an error response; the entity never enters
// StateSend without a runnable Job.
func (e *CommEntity) preprocess() {
	resolved, err := transfer.Resolve(e.deps.Manager, e.req)
	if err != nil {
		e.fail(err)
		return
	}
	job, err := e.buildJob(resolved)
	if err != nil {
		e.fail(err)
		return
	}
	e.resolved = resolved
	e.job = job
	e.state = StateSend
}

func (e *CommEntity) buildJob(resolved *transfer.Resolved) (transfer.Job, error) {
	const op = "fsm.CommEntity.buildJob"
	switch resolved.Direction {
	case transfer.D2D:
		return transfer.NewD2DJob(e.deps.Runtime, e.deps.Fabric, e.deps.Comm, e.deps.RemoteRank, e.deps.Stream, resolved, e.req)
	case transfer.D2H:
		return transfer.NewD2HJob(e.deps.Runtime, e.deps.Fabric, e.deps.Comm, e.deps.RemoteRank, e.deps.Stream, resolved, e.req)
	case transfer.H2D:
		if e.deps.Bounce == nil {
			return nil, errs.New(op, errs.Internal, "h2d resolution on an entity with no bounce buffer pool")
		}
		return transfer.NewH2DJob(e.deps.Runtime, e.deps.Fabric, e.deps.Comm, e.deps.RemoteRank, e.deps.Stream, e.deps.Bounce, resolved, e.req)
	default:
		return nil, errs.Newf(op, errs.Internal, "unresolved direction %v", resolved.Direction)
	}
}

// process is send_state.cc's Process: drive the Job one step, watching the
// request's own deadline first since a request that has already timed out
// should not spend another tick on the wire.
func (e *CommEntity) process(ctx context.Context) (bool, error) {
	if deadline := e.req.Deadline(e.received); !deadline.IsZero() && time.Now().After(deadline) {
		e.timeout()
		return true, nil
	}

	done, err := e.job.Process(ctx)
	if err != nil {
		e.fail(err)
		return true, nil
	}
	if !done {
		return true, nil
	}
	e.succeed()
	return true, nil
}

// succeed is send_state.cc's Postprocess on the happy path: release the
// pulled key's last-use claim, if any, then reply and return to Idle.
func (e *CommEntity) succeed() {
	if e.resolved.KeyToRemove != nil {
		_ = e.deps.Manager.RemoveCacheKey(*e.resolved.KeyToRemove)
	}
	if e.deps.Stats != nil {
		e.deps.Stats.Successes.Add(1)
	}
	e.log().WithRequest(e.req.ReqID, "transfer").Debug("transfer completed")
	e.reply(&model.ResponseInfo{
		ReqID:         e.req.ReqID,
		ModelID:       e.req.ModelID,
		RetCode:       0,
		TransferCount: uint32(len(e.req.DstAddrs)),
		BlockSize:     uint32(e.req.BlockSize),
	})
	e.reset()
}

func (e *CommEntity) timeout() {
	if e.deps.Stats != nil {
		e.deps.Stats.Timeouts.Add(1)
	}
	e.log().WithRequest(e.req.ReqID, "transfer").Warn("request deadline exceeded")
	e.reply(&model.ResponseInfo{
		ReqID:   e.req.ReqID,
		ModelID: e.req.ModelID,
		RetCode: errs.RetCodeOf(errs.New("fsm.CommEntity.process", errs.Timeout, "deadline exceeded")),
	})
	e.reset()
}

// fail is send_state.cc's Postprocess on the error path. The entity visits
// StateError only for the duration of building the response; since nothing
// observes it between fail() and reset() under the same lock acquisition,
// it exists as a named state for logging/metrics more than as an externally
// observable one.
func (e *CommEntity) fail(err error) {
	e.state = StateError
	if e.deps.Stats != nil {
		e.deps.Stats.Errors.Add(1)
	}
	e.log().WithRequest(e.req.ReqID, "transfer").WithError(err).Error("request failed")
	e.reply(&model.ResponseInfo{
		ReqID:   e.req.ReqID,
		ModelID: e.req.ModelID,
		RetCode: errs.RetCodeOf(err),
	})
	e.reset()
}

func (e *CommEntity) reply(resp *model.ResponseInfo) {
	if e.respond != nil {
		e.respond(resp)
	}
}

func (e *CommEntity) reset() {
	e.req = nil
	e.resolved = nil
	e.job = nil
	e.state = StateIdle
}
