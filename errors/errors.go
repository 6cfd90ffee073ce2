// Package errors provides error handling for whirr.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Network portability for the HTTP store
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotOwner) {
//	    // lease was lost, abandon the job
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Sentinel errors for the scheduling core. These are the error kinds the
// submission and worker contracts expose; use errors.Is() to test for them
// and errors.Wrap() to add context while preserving the kind.
var (
	// ErrNotInitialized indicates no .whirr data root was found.
	ErrNotInitialized = New("not initialized")

	// ErrNotFound indicates the requested job, run, or artifact does not exist.
	ErrNotFound = New("not found")

	// ErrNotOwner indicates a renew/complete call from a worker that no
	// longer owns the job (typically after its lease expired and the job
	// was reaped). The worker must abandon the job without writing further
	// state.
	ErrNotOwner = New("not owner")

	// ErrNotRetryable indicates retry was requested on a job that is not in
	// a terminal non-success state.
	ErrNotRetryable = New("not retryable")

	// ErrStoreUnavailable indicates a transient transport or lock-timeout
	// failure talking to the store. Claim and renew paths retry this with
	// bounded backoff.
	ErrStoreUnavailable = New("store unavailable")

	// ErrTruncatedRecord indicates a JSONL reader hit an incomplete final
	// line. Readers treat it as EOF.
	ErrTruncatedRecord = New("truncated record")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsNotOwner reports whether err is or wraps ErrNotOwner.
func IsNotOwner(err error) bool {
	return err != nil && Is(err, ErrNotOwner)
}

// IsStoreUnavailable reports whether err is or wraps ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// NewNotFound creates a not-found error with a formatted message.
func NewNotFound(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
