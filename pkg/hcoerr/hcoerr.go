// Package hcoerr defines the error-kind taxonomy shared across the
// orchestrator (spec §7). Kinds are sentinel values wrapped with
// fmt.Errorf("...: %w", ...) at the point of failure and recovered with
// errors.Is/errors.As by callers that need to branch on recovery policy.
package hcoerr

import "errors"

// Kind is one of the error-recovery classes from spec §7.
type Kind string

const (
	// KindTransient covers throttled responses, 5xx, and network timeouts.
	// Never fatal; the caller retries with backoff and counts it toward a
	// retry budget.
	KindTransient Kind = "Transient"

	// KindShardFailure is retried up to a shard's max_retries, then becomes
	// terminal Failed.
	KindShardFailure Kind = "ShardFailure"

	// KindLeaseStale means a worker presented a lease token that no longer
	// matches the shard's current lease; the write is rejected and the
	// worker must discard its in-flight result.
	KindLeaseStale Kind = "LeaseStale"

	// KindValidation covers bad requests and planning that is impossible
	// given the inputs. Never retried.
	KindValidation Kind = "ValidationError"

	// KindIntegrity covers hash or signature mismatches discovered during
	// manifest verification. Never retried; the manifest is marked Invalid.
	KindIntegrity Kind = "IntegrityError"

	// KindFatal covers a corrupt checkpoint that fails validation (shard
	// restarts from scratch) or storage becoming unavailable (worker
	// stops). Requires operator attention.
	KindFatal Kind = "Fatal"
)

// Error is a kind-tagged error. Use As to recover it and Kind() to branch.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error-recovery class.
func (e *Error) Kind() Kind { return e.kind }

// New wraps err (which may be nil) with a Kind and message.
func New(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// Transient wraps err as a KindTransient error.
func Transient(msg string, err error) *Error { return New(KindTransient, msg, err) }

// ShardFailure wraps err as a KindShardFailure error.
func ShardFailure(msg string, err error) *Error { return New(KindShardFailure, msg, err) }

// LeaseStale wraps err as a KindLeaseStale error.
func LeaseStale(msg string, err error) *Error { return New(KindLeaseStale, msg, err) }

// Validation wraps err as a KindValidation error.
func Validation(msg string, err error) *Error { return New(KindValidation, msg, err) }

// Integrity wraps err as a KindIntegrity error.
func Integrity(msg string, err error) *Error { return New(KindIntegrity, msg, err) }

// Fatal wraps err as a KindFatal error.
func Fatal(msg string, err error) *Error { return New(KindFatal, msg, err) }
