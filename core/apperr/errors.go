// Package apperr defines the error taxonomy returned by the resource managers.
//
// Every manager method fails with an *Error carrying one Kind and a human
// readable message. The daemon error that caused it, if any, is kept as the
// wrapped cause for server-side logging and is never part of Message.
package apperr

import (
	"errors"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// Kind classifies a facade failure.
type Kind string

const (
	KindConnectionUnavailable Kind = "connection_unavailable"
	KindNotFound              Kind = "not_found"
	KindNotFoundInRegistry    Kind = "not_found_in_registry"
	KindAlreadyInState        Kind = "already_in_state"
	KindAlreadyConnected      Kind = "already_connected"
	KindNotConnected          Kind = "not_connected"
	KindConflict              Kind = "conflict"
	KindInvalidRequest        Kind = "invalid_request"
	KindUpstreamFailure       Kind = "upstream_failure"
)

// Error is a categorized facade error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that keeps cause for logging.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFound is shorthand for a missing resource of the given type.
func NotFound(resource, ref string) *Error {
	return New(KindNotFound, "%s '%s' not found", resource, ref)
}

// InvalidRequest reports a missing or malformed caller field.
func InvalidRequest(format string, args ...any) *Error {
	return New(KindInvalidRequest, format, args...)
}

// KindOf returns the kind of err, or KindUpstreamFailure for errors that were
// never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamFailure
}

// Is reports whether err is a facade error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// FromDaemon classifies an error returned by the Docker SDK. The action is used
// as the message prefix, e.g. "failed to list containers".
func FromDaemon(err error, action string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	msg := fmt.Sprintf("%s: %s", action, err.Error())
	switch {
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return Wrap(KindConnectionUnavailable, err, "Cannot connect to Docker daemon: %s", err.Error())
	case errdefs.IsNotFound(err):
		return Wrap(KindNotFound, err, "%s", msg)
	case errdefs.IsConflict(err):
		return Wrap(KindConflict, err, "%s", msg)
	case errdefs.IsNotModified(err):
		return Wrap(KindAlreadyInState, err, "%s", msg)
	case errdefs.IsInvalidParameter(err):
		return Wrap(KindInvalidRequest, err, "%s", msg)
	default:
		return Wrap(KindUpstreamFailure, err, "%s", msg)
	}
}
