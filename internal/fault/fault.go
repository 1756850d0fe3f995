// Package fault defines the error taxonomy shared by all Lumora subsystems.
//
// Every user-visible or retry-relevant error is classified into a [Kind]. The
// kind drives propagation policy: whether the operation is retried with
// backoff, dead-lettered, degraded silently, or surfaced to the caller with a
// descriptive message. Errors of unknown kind are treated as [Transient] by
// the retry machinery, which keeps at-least-once semantics safe.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	// InvalidInput marks malformed payloads, oversize uploads, and
	// unsupported file types. Never retried.
	InvalidInput Kind = "invalid_input"

	// NotFound marks references to unknown courses, sessions, or quizzes.
	NotFound Kind = "not_found"

	// Conflict marks state collisions such as ending an already-ended
	// session. Never retried.
	Conflict Kind = "conflict"

	// Transient marks network timeouts, provider 5xx responses, and broker
	// hiccups. Retried with backoff.
	Transient Kind = "transient"

	// ResourceExhausted marks memory-cap breaches and provider quota
	// exhaustion. Retryable with backoff; a worker may self-exit.
	ResourceExhausted Kind = "resource_exhausted"

	// ProviderPermanent marks provider 4xx responses that indicate a coding
	// or configuration bug. Never retried; tasks are dead-lettered.
	ProviderPermanent Kind = "provider_permanent"

	// Degraded marks an unavailable optional component (reranker, cache,
	// lexical index). Never surfaced as an error to users.
	Degraded Kind = "degraded"

	// GarbageOutput marks LLM output that failed the sanity heuristics.
	GarbageOutput Kind = "garbage_output"
)

// Error is a classified error. Use [E] to construct and [KindOf] to inspect.
type Error struct {
	// Kind is the propagation class.
	Kind Kind

	// Msg is a short description safe to show to callers.
	Msg string

	// Err is the wrapped cause, if any.
	Err error
}

// E builds a classified error wrapping cause. cause may be nil.
func E(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Errorf builds a classified error with a formatted message and no cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, walking the wrap chain. Unclassified errors
// report [Transient]: treating an unknown failure as retryable is the safe
// default under at-least-once semantics with idempotent effects.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Transient
}

// Is reports whether err carries the given kind anywhere in its wrap chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, ResourceExhausted:
		return true
	}
	return false
}
