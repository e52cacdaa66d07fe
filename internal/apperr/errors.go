// Package apperr is the error taxonomy shared by the ingestion gateway, the
// pipeline tracker, the link manager and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how callers should react to it.
type Kind string

const (
	// KindValidation: bad input; never retried, no partial state.
	KindValidation Kind = "validation"
	// KindConflict: stale version, invalid transition, duplicate link; the caller refetches and resubmits.
	KindConflict Kind = "conflict"
	// KindTransient: storage or extraction infrastructure; retried with backoff.
	KindTransient Kind = "transient"
	KindNotFound  Kind = "not_found"
	// KindPermission: cross-tenant access. Messages never mention the target.
	KindPermission Kind = "permission"
	KindInternal   Kind = "internal"
)

// Error carries a Kind, a stable machine code and an optional cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, fmt.Sprintf(format, args...))
}

func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, fmt.Sprintf(format, args...))
}

func NotFound(what string) *Error {
	return New(KindNotFound, "not_found", what+" not found")
}

func Permission() *Error {
	return New(KindPermission, "forbidden", "resource is not accessible in this tenant scope")
}

func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, "transient", message, cause)
}

// Sentinels compared with errors.Is.
var (
	ErrStaleVersion      = New(KindConflict, "stale_version", "lock version is stale; reload and retry")
	ErrInvalidTransition = New(KindConflict, "invalid_transition", "transition not allowed")
	ErrDuplicateLink     = New(KindConflict, "duplicate_link", "link already exists")
	ErrRequestInProgress = New(KindConflict, "request_in_progress", "a request with this idempotency key is in progress")
	ErrKeyMismatch       = New(KindValidation, "idempotency_key_mismatch", "idempotency key was used with a different request")
	ErrFileTooLarge      = New(KindValidation, "file_too_large", "file exceeds the maximum size")
	ErrUnsupportedType   = New(KindValidation, "unsupported_media_type", "mime type is not allowed")
	ErrCancelled         = New(KindValidation, "cancelled", "processing was cancelled")
)

// KindOf reports the Kind of err. Unclassified errors are internal; context
// deadlines count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsRetryable reports whether the pipeline may retry the failed operation internally.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Code returns the machine code of err, or "internal".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		switch {
		case errors.Is(err, ErrFileTooLarge):
			return http.StatusRequestEntityTooLarge
		case errors.Is(err, ErrUnsupportedType):
			return http.StatusUnsupportedMediaType
		case errors.Is(err, ErrKeyMismatch):
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to clients.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
