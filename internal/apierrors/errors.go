// Package apierrors defines the typed error taxonomy shared by every
// component of the runtime. Every component returns one of these kinds;
// the Executor and the HTTP surface are the only layers that translate a
// Kind into a transport-level representation (HTTP status, JSON body).
package apierrors

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a runtime error. The string value is
// also the JSON-visible error kind returned to clients.
type Kind string

const (
	// Structural — 400-class.
	KindInvalidContext  Kind = "InvalidContext"
	KindInvalidInput    Kind = "InvalidInput"
	KindInvalidManifest Kind = "InvalidManifest"
	KindInvalidConfig   Kind = "InvalidConfig"

	// Authorization — 403.
	KindPolicyDenied    Kind = "PolicyDenied"
	KindReadOnlyViolation Kind = "ReadOnlyViolation"
	KindRiskLevelBlocked  Kind = "RiskLevelBlocked"

	// Not-found / disabled — 404.
	KindToolNotFound     Kind = "ToolNotFound"
	KindToolDisabled     Kind = "ToolDisabled"
	KindSnapshotNotFound Kind = "SnapshotNotFound"

	// Concurrency / capacity — 503, retryable by the caller.
	KindBackpressured    Kind = "Backpressured"
	KindRunnerUnavailable Kind = "RunnerUnavailable"

	// Execution — 500/408, never retried by the runtime itself.
	KindExecutionTimeout Kind = "ExecutionTimeout"
	KindResourceExceeded Kind = "ResourceExceeded"
	KindProtocolError    Kind = "ProtocolError"
	KindCancelled        Kind = "Cancelled"
	KindCancelTimedOut   Kind = "CancelTimedOut"

	// Internal — 500, logged with stack.
	KindInternalError Kind = "InternalError"
)

// Error is the concrete error type every component returns. It carries a
// Kind for programmatic dispatch and a human-readable Message. Reason adds
// an optional sub-classification, e.g. "RiskLevelBlocked" as the reason
// for a PolicyDenied.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithReason attaches a reason sub-classification, e.g. New(KindPolicyDenied, ...).WithReason("RiskLevelBlocked").
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// Wrap preserves an underlying cause for logging while normalizing it to a Kind.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As extracts an *Error from a generic error, following the standard
// library's errors.As conventions.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status the control API surfaces.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidContext, KindInvalidInput, KindInvalidManifest, KindInvalidConfig:
		return 400
	case KindPolicyDenied, KindReadOnlyViolation, KindRiskLevelBlocked:
		return 403
	case KindToolNotFound, KindToolDisabled, KindSnapshotNotFound:
		return 404
	case KindBackpressured, KindRunnerUnavailable:
		return 503
	case KindExecutionTimeout, KindCancelTimedOut:
		return 408
	case KindResourceExceeded, KindProtocolError, KindCancelled:
		return 500
	default:
		return 500
	}
}

// Retryable reports whether the runtime considers this class of error
// retryable by the caller. The runtime itself never retries.
func Retryable(k Kind) bool {
	switch k {
	case KindBackpressured, KindRunnerUnavailable:
		return true
	default:
		return false
	}
}
