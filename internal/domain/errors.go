package domain

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the stable error classification surfaced to callers. The HTTP
// layer maps kinds to status codes; the core never exposes raw transport
// errors.
type Kind string

const (
	KindInvalidArgument   Kind = "invalid_argument"
	KindNotFound          Kind = "not_found"
	KindAlreadyRegistered Kind = "already_registered"
	KindAttemptInProgress Kind = "attempt_in_progress"
	KindAttemptExpired    Kind = "attempt_expired"
	KindInvalidCode       Kind = "invalid_code"
	KindInvalidPassword   Kind = "invalid_password"
	KindRateLimited       Kind = "rate_limited"
	KindPermissionDenied  Kind = "permission_denied"
	KindTransientNetwork  Kind = "transient_network"
	KindAuthRevoked       Kind = "auth_revoked"
	KindForwardFailed     Kind = "forward_failed"
	KindTimedOut          Kind = "timed_out"
	KindInternal          Kind = "internal"
)

// Error is the single error type crossing component boundaries. Detail is
// human-readable and must never contain credential material.
type Error struct {
	Kind   Kind
	Detail string

	// RetryAfter carries the remote-supplied wait for KindRateLimited,
	// propagated verbatim.
	RetryAfter time.Duration

	// Failures carries per-message-id reasons for KindForwardFailed.
	Failures map[int]string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Errorf builds an Error of the given kind with a formatted detail string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func InvalidArgumentf(format string, args ...any) *Error {
	return Errorf(KindInvalidArgument, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return Errorf(KindNotFound, format, args...)
}

// RateLimited builds a rate-limit error carrying the remote-supplied
// retry-after duration unchanged.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Detail:     fmt.Sprintf("rate limited, retry after %s", retryAfter),
		RetryAfter: retryAfter,
	}
}

// ForwardFailed builds the wholesale-failure error for a forward where no
// message succeeded, keeping the per-id reasons.
func ForwardFailed(failures map[int]string) *Error {
	return &Error{
		Kind:     KindForwardFailed,
		Detail:   fmt.Sprintf("no messages forwarded (%d failed)", len(failures)),
		Failures: failures,
	}
}

// KindOf extracts the Kind from err, or KindInternal when err is not a
// domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a domain error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
