// Package apperr defines the closed set of failure kinds that cross the API
// boundary. Lower layers wrap their sentinel errors in *Error so handlers can
// map them to a status code without inspecting messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindRateLimited       Kind = "rate_limited"
	KindUpstreamFailure   Kind = "upstream_failure"
	KindStorageFailure    Kind = "storage_failure"
	KindInternal          Kind = "internal"
)

// Error is a typed failure. Message is safe to show to the caller; Err is the
// internal cause and is never serialized.
type Error struct {
	Kind      Kind
	Message   string
	Shortfall int
	ResetAt   time.Time
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NotFound(msg string, cause error) *Error {
	return &Error{Kind: KindNotFound, Message: msg, Err: cause}
}

// Insufficient reports a balance that is shortfall credits below what was asked.
func Insufficient(shortfall int, cause error) *Error {
	return &Error{
		Kind:      KindInsufficientFunds,
		Message:   fmt.Sprintf("insufficient credits: %d more needed", shortfall),
		Shortfall: shortfall,
		Err:       cause,
	}
}

func RateLimited(resetAt time.Time) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", ResetAt: resetAt}
}

func Upstream(msg string, cause error) *Error {
	return &Error{Kind: KindUpstreamFailure, Message: msg, Err: cause}
}

func Storage(cause error) *Error {
	return &Error{Kind: KindStorageFailure, Message: "storage unavailable", Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As is errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
