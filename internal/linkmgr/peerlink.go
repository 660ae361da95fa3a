package linkmgr

import (
	"context"
	"time"

	"github.com/kvxfer/engine/internal/constants"
	"github.com/kvxfer/engine/internal/errs"
	"github.com/kvxfer/engine/internal/fabric"
	"github.com/kvxfer/engine/internal/fsm"
	"github.com/kvxfer/engine/internal/model"
	"github.com/kvxfer/engine/internal/wire"
)

// linkState mirrors spec §4.1's PeerLink lifecycle narration: created by
// LinkClusters, torn down by UnlinkClusters.
type linkState int32

const (
	linkActive linkState = iota
	linkDraining
	linkClosed
)

// PeerLink is everything one LinkClusters peer entry produces: the fabric
// comm, the exchanged message-buffer regions, and the CommEntity servicing
// requests the peer pushes into our request slot.
type PeerLink struct {
	Peer       fabric.PeerDescriptor
	RemoteRank int

	comm   fabric.Comm
	stream fabric.Stream
	entity *fsm.CommEntity

	// localMsgAddr is this side's host message buffer: bytes
	// [0:RequestSlotSize) are the request slot the peer pushes into and our
	// entity polls; bytes [RequestSlotSize:MessageBufferSize) are the
	// response slot we use only as local staging space before pushing a
	// completed response out to the peer's response slot.
	localMsgAddr  uint64
	localMsgSize  uint64
	remoteMsgAddr uint64

	tableAddr uint64 // our device region publishing the cache-access-table to this peer

	state linkState
}

// Entity returns the peer link's CommEntity, for callers that need its
// State (e.g. a drain check) without reaching into Manager internals.
func (pl *PeerLink) Entity() *fsm.CommEntity { return pl.entity }

// Stream returns the transfer stream this link's entity was built with, so
// an outbound SendRequest call can reuse it rather than opening a second one.
func (pl *PeerLink) Stream() fabric.Stream { return pl.stream }

// requestFlagAddr / requestPayloadAddr / responseFlagAddr / responsePayloadAddr
// compute sub-region addresses within a message buffer starting at base,
// matching internal/wire's slot layout (flag prefix then payload).
func requestFlagAddr(base uint64) uint64    { return base }
func requestPayloadAddr(base uint64) uint64 { return base + wire.RequestSlotFlagSize }
func responseFlagAddr(base uint64) uint64   { return base + constants.RequestSlotSize }
func responsePayloadAddr(base uint64) uint64 {
	return base + constants.RequestSlotSize + wire.ResponseSlotFlagSize
}

// pollRequest checks the peer link's local request-slot flag once. If set,
// it decodes the pushed request, clears the flag, and submits it to the
// entity (send_state.cc's Receive state: "poll the local request sync
// flag. On 1, clear the flag, record statistics, move to Send" — the flag
// poll and decode live here since CommEntity itself has no fabric handle
// to poll with; Submit is the point where the decoded request re-enters
// the FSM).
//
// The flag is cleared before Submit runs so a second push can't land on top
// of an undecoded one; if Submit then rejects the request (entity busy), the
// requester would otherwise stall until its own deadline with no idea why,
// so pollRequest reports the failure back immediately as an error response
// rather than dropping the request silently.
func (pl *PeerLink) pollRequest(fab fabric.Fabric, stream fabric.Stream, rt fabric.AcceleratorRuntime) error {
	const op = "linkmgr.PeerLink.pollRequest"
	flag, err := rt.ReadAt(requestFlagAddr(pl.localMsgAddr), wire.RequestSlotFlagSize)
	if err != nil {
		return errs.Wrap(op, errs.Internal, err, "read request flag")
	}
	if !wire.GetFlag(flag) {
		return nil
	}

	payload, err := rt.ReadAt(requestPayloadAddr(pl.localMsgAddr), constants.RequestSlotSize-wire.RequestSlotFlagSize)
	if err != nil {
		return errs.Wrap(op, errs.Internal, err, "read request payload")
	}
	req, err := wire.UnmarshalRequest(payload)
	if err != nil {
		return errs.Wrap(op, errs.ParamInvalid, err, "decode pushed request")
	}

	if err := rt.WriteAt(requestFlagAddr(pl.localMsgAddr), make([]byte, wire.RequestSlotFlagSize)); err != nil {
		return errs.Wrap(op, errs.Internal, err, "clear request flag")
	}

	if err := pl.entity.Submit(req, time.Now()); err != nil {
		resp := &model.ResponseInfo{ReqID: req.ReqID, ModelID: req.ModelID, RetCode: errs.RetCodeOf(err)}
		if sendErr := pl.sendResponse(fab, stream, resp); sendErr != nil {
			return errs.Wrap(op, errs.Internal, sendErr, "report submit failure to peer")
		}
		return nil
	}
	return nil
}

// sendResponse pushes resp into the peer's response slot and sets its flag,
// send_state.cc's Postprocess step (clear our own response flag is not
// needed since, unlike the request slot, we only ever write to the peer's
// copy of this region).
func (pl *PeerLink) sendResponse(fab fabric.Fabric, stream fabric.Stream, resp *model.ResponseInfo) error {
	const op = "linkmgr.PeerLink.sendResponse"
	payload := wire.MarshalResponse(resp)
	descs := []fabric.OneSideDesc{{
		LocalAddr:  responsePayloadAddr(pl.localMsgAddr),
		RemoteAddr: responsePayloadAddr(pl.remoteMsgAddr),
		Count:      uint64(len(payload)),
	}}
	if err := fab.BatchPut(pl.comm, pl.RemoteRank, descs, stream); err != nil {
		return errs.Wrap(op, errs.SuspectRemoteError, err, "push response payload")
	}

	flag := make([]byte, wire.ResponseSlotFlagSize)
	wire.PutFlag(flag, true)
	flagDescs := []fabric.OneSideDesc{{
		LocalAddr:  responseFlagAddr(pl.localMsgAddr),
		RemoteAddr: responseFlagAddr(pl.remoteMsgAddr),
		Count:      uint64(len(flag)),
	}}
	if err := fab.BatchPut(pl.comm, pl.RemoteRank, flagDescs, stream); err != nil {
		return errs.Wrap(op, errs.SuspectRemoteError, err, "push response flag")
	}
	return nil
}

// SendRequest pushes req into the peer's request slot, sets its flag, then
// polls this side's own response slot until the peer's CommEntity replies
// or ctx is done. Used by the outbound (requester) side of a link — the
// decoder cluster issuing a PullCache against the prompt cluster's
// CommEntity, in spec.md's dataflow terms.
func (pl *PeerLink) SendRequest(ctx context.Context, fab fabric.Fabric, rt fabric.AcceleratorRuntime, stream fabric.Stream, req *model.TransferCacheReq, pollInterval time.Duration) (*model.ResponseInfo, error) {
	const op = "linkmgr.PeerLink.SendRequest"
	payload := wire.MarshalRequest(req)
	if len(payload) > constants.RequestSlotSize-wire.RequestSlotFlagSize {
		return nil, errs.Newf(op, errs.ParamInvalid, "marshaled request %d bytes exceeds request slot capacity", len(payload))
	}

	descs := []fabric.OneSideDesc{{
		LocalAddr:  requestPayloadAddr(pl.localMsgAddr),
		RemoteAddr: requestPayloadAddr(pl.remoteMsgAddr),
		Count:      uint64(len(payload)),
	}}
	if err := fab.BatchPut(pl.comm, pl.RemoteRank, descs, stream); err != nil {
		return nil, errs.Wrap(op, errs.SuspectRemoteError, err, "push request payload")
	}

	flag := make([]byte, wire.RequestSlotFlagSize)
	wire.PutFlag(flag, true)
	flagDescs := []fabric.OneSideDesc{{
		LocalAddr:  requestFlagAddr(pl.localMsgAddr),
		RemoteAddr: requestFlagAddr(pl.remoteMsgAddr),
		Count:      uint64(len(flag)),
	}}
	if err := fab.BatchPut(pl.comm, pl.RemoteRank, flagDescs, stream); err != nil {
		return nil, errs.Wrap(op, errs.SuspectRemoteError, err, "push request flag")
	}

	deadline := req.Deadline(time.Now())
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		flagBuf, err := rt.ReadAt(responseFlagAddr(pl.localMsgAddr), wire.ResponseSlotFlagSize)
		if err != nil {
			return nil, errs.Wrap(op, errs.Internal, err, "read response flag")
		}
		if wire.GetFlag(flagBuf) {
			payload, err := rt.ReadAt(responsePayloadAddr(pl.localMsgAddr), wire.ResponseInfoFixedSize)
			if err != nil {
				return nil, errs.Wrap(op, errs.Internal, err, "read response payload")
			}
			resp, err := wire.UnmarshalResponse(payload)
			if err != nil {
				return nil, errs.Wrap(op, errs.Internal, err, "decode response")
			}
			if err := rt.WriteAt(responseFlagAddr(pl.localMsgAddr), make([]byte, wire.ResponseSlotFlagSize)); err != nil {
				return nil, errs.Wrap(op, errs.Internal, err, "clear response flag")
			}
			return resp, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, errs.New(op, errs.Timeout, "no response before deadline")
		}
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(op, errs.Timeout, ctx.Err(), "context done waiting for response")
		case <-ticker.C:
		}
	}
}
