// Package apierr defines the structured error taxonomy surfaced to API
// clients. Every error crossing the REST or WebSocket boundary carries a
// Kind so clients can distinguish caller mistakes from state conflicts and
// infrastructure failures.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for clients.
type Kind string

const (
	// KindValidation marks malformed or missing input.
	KindValidation Kind = "validation"
	// KindNotFound marks a reference to a task, execution, or host that
	// does not exist.
	KindNotFound Kind = "not_found"
	// KindPrecondition marks an operation invalid in the current state,
	// for example executing a task that already has an active run.
	KindPrecondition Kind = "precondition_failed"
	// KindAdapter marks a failure reported by an agent session driver.
	KindAdapter Kind = "adapter_error"
	// KindIO marks a git, filesystem, or database failure.
	KindIO Kind = "io_error"
	// KindCancelled marks an operation interrupted by a stop request or
	// shutdown.
	KindCancelled Kind = "cancelled"
	// KindUnavailable marks a service-wide degraded condition, for example
	// the event log being unreachable. New executions are refused until the
	// gateway recovers.
	KindUnavailable Kind = "unavailable"
	// KindInternal marks everything else.
	KindInternal Kind = "internal"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.cause.Error())
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil when err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition:
		return http.StatusConflict
	case KindAdapter, KindIO, KindInternal:
		return http.StatusInternalServerError
	case KindCancelled:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Payload returns the JSON body for an error response.
func Payload(err error) map[string]any {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return map[string]any{"error": apiErr.Message, "kind": string(apiErr.Kind)}
	}
	return map[string]any{"error": err.Error(), "kind": string(KindInternal)}
}
