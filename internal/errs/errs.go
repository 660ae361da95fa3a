// Package errs defines the engine's fixed error taxonomy (spec §7). It sits
// below every other internal package — including internal/model and
// internal/fsm — so the same Code/Error pair can flow from a validation
// failure deep in the transfer scheduler up through the FSM and out the
// public kvxfer API without any package importing back up through root.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies one of the fixed error kinds. The set is closed: new kinds
// are not added by callers, only by this package.
type Code string

const (
	// ParamInvalid: caller-side bad input. Never retried.
	ParamInvalid Code = "ParamInvalid"
	// Timeout: deadline exceeded on a blocking step.
	Timeout Code = "Timeout"
	// CacheNotExist: request references a cache id or key that does not exist.
	CacheNotExist Code = "CacheNotExist"
	// OutOfMemory: pool exhaustion; caller may retry after freeing.
	OutOfMemory Code = "OutOfMemory"
	// NotYetLink: operation requires a link that has not been established.
	NotYetLink Code = "NotYetLink"
	// AlreadyLink: link already exists for the given peer.
	AlreadyLink Code = "AlreadyLink"
	// LinkFailed: LinkClusters could not establish the comm.
	LinkFailed Code = "LinkFailed"
	// UnlinkFailed: UnlinkClusters could not tear down the comm.
	UnlinkFailed Code = "UnlinkFailed"
	// LinkBusy: UnlinkClusters called without force_flag while jobs are in flight.
	LinkBusy Code = "LinkBusy"
	// FeatureNotEnabled: unsupported layout transition (e.g. host->host).
	FeatureNotEnabled Code = "FeatureNotEnabled"
	// SuspectRemoteError: fabric reports a remote-side memory fault.
	SuspectRemoteError Code = "SuspectRemoteError"
	// Internal: everything else, including runtime-call failures.
	Internal Code = "Internal"
)

// Error is the engine's sole error type. Op names the failing operation
// (e.g. "cache.Allocate", "fsm.Send.Preprocess"); Inner, when set, is the
// underlying cause wrapped for errors.Is/errors.As.
type Error struct {
	Op    string
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Code, e.Msg, e.Inner)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is reports whether target carries the same Code, so callers can write
// errors.Is(err, errs.New("", errs.Timeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(op string, code Code, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a new *Error of the given code.
func Wrap(op string, code Code, inner error, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Inner: inner}
}

// CodeOf extracts the Code from err, defaulting to Internal for any error
// that is not (or does not wrap) an *Error — e.g. a bare context.DeadlineExceeded
// surfacing from a runtime primitive.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// retCodes assigns every Code a stable, small positive wire value for
// ResponseInfo.ret_code (spec §3). 0 is reserved for success and is never
// returned by RetCodeOf; a nil err should never reach it in the first place.
var retCodes = map[Code]int32{
	ParamInvalid:       1,
	Timeout:            2,
	CacheNotExist:      3,
	OutOfMemory:        4,
	NotYetLink:         5,
	AlreadyLink:        6,
	LinkFailed:         7,
	UnlinkFailed:       8,
	LinkBusy:           9,
	FeatureNotEnabled:  10,
	SuspectRemoteError: 11,
	Internal:           12,
}

// RetCodeOf maps err's Code onto the wire ret_code an engine response
// carries back to the caller. Any error that doesn't carry a recognized
// Code (including a bare non-*Error) maps to Internal's code.
func RetCodeOf(err error) int32 {
	if c, ok := retCodes[CodeOf(err)]; ok {
		return c
	}
	return retCodes[Internal]
}
