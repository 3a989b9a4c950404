package result

import (
	"context"
	"errors"
)

// Kind classifies a failure so callers and pipeline behaviors can react
// without inspecting error strings. Kinds are stable wire values: stores
// persist them and replay them across process restarts.
type Kind string

const (
	// KindUnknown is the zero kind, used when a failure carries no
	// classification. Treated as non-retryable.
	KindUnknown Kind = "unknown"

	// KindValidation indicates the message was well formed but violated a
	// business or schema rule. Never retryable.
	KindValidation Kind = "validation"

	// KindNotFound indicates the addressed entity, stream, or flow does
	// not exist.
	KindNotFound Kind = "not_found"

	// KindConflict indicates an optimistic concurrency check failed, for
	// example an event store append with a stale expected version.
	KindConflict Kind = "conflict"

	// KindUnauthorized indicates the caller is not allowed to perform the
	// operation on this node, for example a leader-only dispatch on a
	// follower.
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden indicates the caller is authenticated but lacks
	// permission.
	KindForbidden Kind = "forbidden"

	// KindTransient indicates a temporary condition (network, timeout,
	// unavailable backend). Safe to retry with backoff.
	KindTransient Kind = "transient"

	// KindRateLimited indicates the operation was shed by a rate limiter.
	// Safe to retry after the window passes.
	KindRateLimited Kind = "rate_limited"

	// KindCancelled indicates the operation stopped because its context
	// was cancelled or timed out by the caller.
	KindCancelled Kind = "cancelled"

	// KindNoHandler indicates no handler is registered for the request
	// type.
	KindNoHandler Kind = "no_handler"

	// KindConfiguration indicates wiring is wrong: duplicate handler
	// registration, response type mismatch, missing store. Never
	// retryable; fix the program.
	KindConfiguration Kind = "configuration"

	// KindFatal indicates an invariant was violated or a handler panicked.
	// Never retryable.
	KindFatal Kind = "fatal"
)

// Retryable reports whether failures of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// Kinder is implemented by error types that classify themselves, such as
// the event store's concurrency error.
type Kinder interface {
	error
	ResultKind() Kind
}

// KindOf walks err's cause chain and returns the first classification it
// finds. Context cancellation maps to KindCancelled and deadline expiry to
// KindTransient; an unclassified error reports KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	var k Kinder
	if errors.As(err, &k) {
		return k.ResultKind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is classified as safe to retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
