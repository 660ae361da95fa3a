package kvxfer

import "github.com/kvxfer/engine/internal/errs"

// Code identifies one of the engine's fixed error kinds (spec §7). It is a
// type alias, not a new defined type, so a caller that has already imported
// internal/errs indirectly (through a wrapped error) never needs a
// conversion to compare codes.
type Code = errs.Code

// Error is the engine's sole error type, carrying the failing operation,
// its Code, and (when available) the wrapped cause.
type Error = errs.Error

const (
	ParamInvalid       = errs.ParamInvalid
	Timeout            = errs.Timeout
	CacheNotExist      = errs.CacheNotExist
	OutOfMemory        = errs.OutOfMemory
	NotYetLink         = errs.NotYetLink
	AlreadyLink        = errs.AlreadyLink
	LinkFailed         = errs.LinkFailed
	UnlinkFailed       = errs.UnlinkFailed
	LinkBusy           = errs.LinkBusy
	FeatureNotEnabled  = errs.FeatureNotEnabled
	SuspectRemoteError = errs.SuspectRemoteError
	Internal           = errs.Internal
)

// CodeOf extracts the Code an error carries, defaulting to Internal for any
// error that is not (or does not wrap) an *Error.
func CodeOf(err error) Code { return errs.CodeOf(err) }

// Is reports whether err is (or wraps) an *Error with the given code.
func Is(err error, code Code) bool { return errs.Is(err, code) }
