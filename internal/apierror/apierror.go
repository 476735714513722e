// Package apierror defines the error taxonomy shared by the metering components
// and its mapping onto HTTP status codes.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind int

// Kind constants.
const (
	// KindInternal covers storage outages, timeouts and transport failures; retryable.
	KindInternal Kind = iota
	// KindUnauthorized means the credential is absent or invalid.
	KindUnauthorized
	// KindForbidden means the identity lacks the required role.
	KindForbidden
	// KindBadRequest means the request itself is malformed.
	KindBadRequest
	// KindRateLimitExceeded means the policy window is exhausted.
	KindRateLimitExceeded
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	default:
		return "internal"
	}
}

// HTTPStatus returns the status code used for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may retry the same request unchanged.
func (k Kind) Retryable() bool {
	return k == KindInternal || k == KindRateLimitExceeded
}

// Error is a classified error. Limit and UserCount are only set for
// KindRateLimitExceeded.
type Error struct {
	Kind      Kind
	Message   string
	Limit     int
	UserCount int
	Err       error
}

// Error returns the message, including the cause when present.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// HTTPStatus returns the status code of the error's kind.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Unauthorized builds a KindUnauthorized error.
func Unauthorized(message string, cause error) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, Err: cause}
}

// Forbidden builds a KindForbidden error.
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// BadRequest builds a KindBadRequest error.
func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message}
}

// RateLimited builds a KindRateLimitExceeded error. userCount is the window
// total the rejected request would have produced.
func RateLimited(limit, userCount int) *Error {
	return &Error{
		Kind:      KindRateLimitExceeded,
		Message:   "Rate limit exceeded",
		Limit:     limit,
		UserCount: userCount,
	}
}

// Internal builds a KindInternal error wrapping cause.
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: cause}
}

// As extracts the classified error from err.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if apiErr, ok := As(err); ok {
		return apiErr.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
