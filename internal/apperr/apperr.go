// Package apperr defines the error-kind taxonomy shared by the scheduler
// engine, action dispatcher, and backup pipeline. Kinds are distinguished
// with errors.As/errors.Is, never by string matching.
package apperr

import "fmt"

// Kind identifies the broad category of an error for propagation/retry
// policy decisions.
type Kind int

const (
	// KindValidation is bad input, caller-visible; never logged as a system error.
	KindValidation Kind = iota
	// KindNotFound is a missing resource.
	KindNotFound
	// KindConflict is a held lock, duplicate name, or per-template guard violation.
	KindConflict
	// KindTransientStore is a DB timeout, connection loss, or buffer anomaly;
	// retried automatically with bounded backoff at the operation layer.
	KindTransientStore
	// KindTape is a tape-device failure; surfaced to the operator via
	// notification, execution status=failed.
	KindTape
	// KindCompression is a codec failure on a specific archive; retried up to
	// 3 times per group.
	KindCompression
	// KindInternal is anything uncaught; surfaces as status=failed with the
	// error logged.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found_error"
	case KindConflict:
		return "conflict_error"
	case KindTransientStore:
		return "transient_store_error"
	case KindTape:
		return "tape_error"
	case KindCompression:
		return "compression_error"
	default:
		return "internal_error"
	}
}

// Error is a typed application error carrying a Kind alongside the
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a KindValidation error.
func Validation(format string, args ...interface{}) *Error { return newf(KindValidation, format, args...) }

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error { return newf(KindNotFound, format, args...) }

// Conflict builds a KindConflict error.
func Conflict(format string, args ...interface{}) *Error { return newf(KindConflict, format, args...) }

// TransientStore wraps a store-layer cause as a KindTransientStore error.
func TransientStore(cause error, format string, args ...interface{}) *Error {
	e := newf(KindTransientStore, format, args...)
	e.Cause = cause
	return e
}

// Tape wraps a tape-subsystem cause as a KindTape error.
func Tape(cause error, format string, args ...interface{}) *Error {
	e := newf(KindTape, format, args...)
	e.Cause = cause
	return e
}

// Compression wraps a codec-subprocess cause as a KindCompression error.
func Compression(cause error, format string, args ...interface{}) *Error {
	e := newf(KindCompression, format, args...)
	e.Cause = cause
	return e
}

// Internal wraps any uncaught cause as a KindInternal error.
func Internal(cause error, format string, args ...interface{}) *Error {
	e := newf(KindInternal, format, args...)
	e.Cause = cause
	return e
}

// Is reports whether err's Kind matches k, unwrapping as needed.
func Is(err error, k Kind) bool {
	var ae *Error
	for err != nil {
		if ae2, ok := err.(*Error); ok {
			ae = ae2
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return ae != nil && ae.Kind == k
}
