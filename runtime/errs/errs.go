// Package errs defines the error taxonomy shared by the sync and search
// cores. Every error surfaced by a source, handler, or store is classified by
// severity (expected, operational, critical) and by retryability so callers
// can decide whether to retry, fail the batch, or fail the job. The taxonomy
// is closed: new kinds are added here, never invented inline.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Severity tags an error for propagation and alerting policy.
type Severity int

const (
	// SeverityExpected covers validation failures, not-found, permission
	// denied, usage limits, and skipped files. Logged at warn/debug, never
	// alerted.
	SeverityExpected Severity = iota
	// SeverityOperational covers external service failures, timeouts, rate
	// limits, and destination unavailability. Retried where policy permits.
	SeverityOperational
	// SeverityCritical covers invariant violations and programming errors.
	// Fails the job and alerts.
	SeverityCritical
)

// String returns the lowercase severity label used in logs.
func (s Severity) String() string {
	switch s {
	case SeverityExpected:
		return "expected"
	case SeverityOperational:
		return "operational"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Kind identifies the concrete failure within a severity class.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindUsageLimit       Kind = "usage_limit_exceeded"
	KindPaymentRequired  Kind = "payment_required"
	KindFileSkipped      Kind = "file_skipped"

	KindExternalService Kind = "external_service"
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindTokenRefresh    Kind = "token_refresh"
	KindDownloadFailure Kind = "download_failure"
	KindDestinationDown Kind = "destination_unavailable"

	KindInvariant   Kind = "invariant_violation"
	KindProgramming Kind = "programming_error"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind     Kind
	Severity Severity
	Message  string
	// Retryable marks operational errors that a bounded retry may resolve.
	Retryable bool
	// RetryAfter is set for rate-limit errors when the provider supplied one.
	RetryAfter time.Duration
	// Details holds sanitized structured context for logs and API payloads.
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Expected builds an expected-severity error of the given kind.
func Expected(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Severity: SeverityExpected, Message: msg}
}

// Operational builds an operational-severity error wrapping cause. Retryable
// defaults to true; callers mark permanent operational errors explicitly.
func Operational(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Severity: SeverityOperational, Message: msg, Retryable: true, cause: cause}
}

// Permanent builds a non-retryable operational error. Used for 4xx responses
// and schema/validation rejections from external stores.
func Permanent(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Severity: SeverityOperational, Message: msg, Retryable: false, cause: cause}
}

// Critical builds a critical-severity error. Critical errors fail the job.
func Critical(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Severity: SeverityCritical, Message: msg, cause: cause}
}

// FileSkipped reports a benign file skip (extension gated, zero bytes,
// oversize). It is expected and never counted as a failure.
func FileSkipped(name, reason string) *Error {
	return &Error{
		Kind:     KindFileSkipped,
		Severity: SeverityExpected,
		Message:  fmt.Sprintf("file %s skipped: %s", name, reason),
		Details:  map[string]any{"file": name, "reason": reason},
	}
}

// DownloadFailure reports a retryable download error from a source.
func DownloadFailure(name string, cause error) *Error {
	e := Operational(KindDownloadFailure, fmt.Sprintf("download %s failed", name), cause)
	e.Details = map[string]any{"file": name}
	return e
}

// RateLimited reports a provider rate limit with an optional retry-after hint.
func RateLimited(msg string, retryAfter time.Duration, cause error) *Error {
	e := Operational(KindRateLimited, msg, cause)
	e.RetryAfter = retryAfter
	return e
}

// IsRetryable reports whether err should be retried under the availability
// retry policy. Unclassified errors are treated as retryable operational
// failures so transient network errors from SDKs are not fatal.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity == SeverityOperational && e.Retryable
	}
	return err != nil
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// SeverityOf returns the severity of err, defaulting unclassified errors to
// operational.
func SeverityOf(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityOperational
}
