package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of an entitlement error. The string value is what
// clients see in the "error" field of a response.
type Kind string

const (
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindNotFound           Kind = "NOT_FOUND"
	KindNotActive          Kind = "NOT_ACTIVE"
	KindExpired            Kind = "EXPIRED"
	KindSlotLimitExceeded  Kind = "SLOT_LIMIT_EXCEEDED"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindSubscriptionActive Kind = "SUBSCRIPTION_ACTIVE"
	KindNoSubscription     Kind = "NO_SUBSCRIPTION"
	KindHasDependents      Kind = "HAS_DEPENDENTS"
	KindUpstream           Kind = "UPSTREAM_ERROR"
	KindStorage            Kind = "STORAGE_ERROR"
	KindServerConfig       Kind = "SERVER_CONFIG"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Base error values, usable as errors.Is targets.
var (
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrNotActive          = &Error{Kind: KindNotActive}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrSlotLimitExceeded  = &Error{Kind: KindSlotLimitExceeded}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrSubscriptionActive = &Error{Kind: KindSubscriptionActive}
	ErrNoSubscription     = &Error{Kind: KindNoSubscription}
	ErrHasDependents      = &Error{Kind: KindHasDependents}
	ErrUpstream           = &Error{Kind: KindUpstream}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrServerConfig       = &Error{Kind: KindServerConfig}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
)

// Error is a structured error for entitlement operations.
type Error struct {
	Kind    Kind
	Op      string // Operation that failed (e.g., "activate", "delete_license_data")
	Message string // Client-safe message; never contains Err's text
	Err     error  // Underlying error, for logs only
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so errors.Is(err, ErrNotFound)
// works regardless of Op or wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// E builds an error of the given kind for op, wrapping err.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Msg builds an error with a client-safe message and no wrapped cause.
func Msg(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WithMessage sets the client-safe message.
func (e *Error) WithMessage(message string) *Error {
	e.Message = message
	return e
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message for err. Errors without an
// explicit message fall back to the default text for their kind.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return DefaultMessage(KindOf(err))
}

// HTTPStatus maps an error kind to the HTTP status returned to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindNoSubscription:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotActive, KindExpired, KindSlotLimitExceeded:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindSubscriptionActive, KindHasDependents:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DefaultMessage is the generic client text for a kind.
func DefaultMessage(kind Kind) string {
	switch kind {
	case KindInvalidRequest:
		return "Invalid request"
	case KindNotFound:
		return "Not found"
	case KindNotActive:
		return "License is not active"
	case KindExpired:
		return "License has expired"
	case KindSlotLimitExceeded:
		return "Maximum number of devices reached for this license"
	case KindUnauthorized:
		return "Unauthorized"
	case KindSubscriptionActive:
		return "Subscription is still active; cancel it before deleting data"
	case KindNoSubscription:
		return "License has no billing subscription"
	case KindHasDependents:
		return "License still has device activations"
	case KindUpstream:
		return "Billing provider request failed"
	case KindStorage:
		return "Storage failure"
	case KindServerConfig:
		return "Server is not configured"
	case KindRateLimited:
		return "Too many requests"
	default:
		return "Internal error"
	}
}

// IsExpected reports whether err is a user-actionable outcome rather than a
// failure. These are logged at info level and never retried.
func IsExpected(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindNotFound, KindNotActive, KindExpired,
		KindSlotLimitExceeded, KindUnauthorized, KindSubscriptionActive,
		KindNoSubscription, KindRateLimited:
		return true
	}
	return false
}

// Retryable reports whether a client may retry the same request later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindStorage, KindRateLimited:
		return true
	}
	return false
}
