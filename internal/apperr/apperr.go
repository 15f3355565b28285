// Package apperr defines the error kinds shared by knowstack components.
//
// Lower layers wrap causes with fmt.Errorf("...: %w", err) as usual; an
// *Error is attached where the failure category matters to a caller (job
// retry decisions, HTTP status mapping, vector-store availability).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure category of an Error.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindConflict
	KindTooLarge
	KindExtraction
	KindRateLimited
	KindStoreUnavailable
	KindConfig
	KindForbidden
	KindUnauthorized
)

// String returns the machine-readable code used in API error payloads.
func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid_request"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTooLarge:
		return "payload_too_large"
	case KindExtraction:
		return "extraction_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindConfig:
		return "config_error"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a kind to the status code the API responds with.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindExtraction:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case KindForbidden:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind, a message safe to show to API clients, and an
// optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	sentinel bool
}

// Sentinels for errors.Is checks. Any *Error of the same kind matches.
var (
	ErrInvalid          = sentinel(KindInvalid, "invalid request")
	ErrNotFound         = sentinel(KindNotFound, "not found")
	ErrConflict         = sentinel(KindConflict, "conflict")
	ErrTooLarge         = sentinel(KindTooLarge, "payload too large")
	ErrExtraction       = sentinel(KindExtraction, "extraction failed")
	ErrRateLimited      = sentinel(KindRateLimited, "rate limit exceeded")
	ErrStoreUnavailable = sentinel(KindStoreUnavailable, "store unavailable")
	ErrConfig           = sentinel(KindConfig, "configuration error")
	ErrForbidden        = sentinel(KindForbidden, "forbidden")
	ErrUnauthorized     = sentinel(KindUnauthorized, "unauthorized")
)

func sentinel(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg, sentinel: true}
}

// New returns an *Error of kind k with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of kind k that wraps err.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message of the first *Error in err's
// chain, or fallback.
func MessageOf(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fallback
}
