package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error the orchestrator surfaces.
type ErrorKind string

const (
	KindValidation             ErrorKind = "ValidationError"
	KindNotFound               ErrorKind = "NotFoundError"
	KindConflict               ErrorKind = "ConflictError"
	KindTimeout                ErrorKind = "TimeoutError"
	KindWorkstationUnavailable ErrorKind = "WorkstationUnavailableError"
	KindMaxRetriesExceeded     ErrorKind = "MaxRetriesExceededError"
	KindCommandExecution       ErrorKind = "CommandExecutionError"
	KindInternal               ErrorKind = "InternalError"
)

// Error carries a kind, the offending entity id and an optional cause.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	ID      string            `json:"id,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: KindConflict}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == ""
}

func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func newError(kind ErrorKind, id, format string, args ...any) *Error {
	return &Error{Kind: kind, ID: id, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, "", format, args...)
}

func NotFound(entity, id string) *Error {
	return newError(KindNotFound, id, "%s %s not found", entity, id)
}

func Conflict(id, format string, args ...any) *Error {
	return newError(KindConflict, id, format, args...)
}

func Timeout(id, format string, args ...any) *Error {
	return newError(KindTimeout, id, format, args...)
}

func Unavailable(id, format string, args ...any) *Error {
	return newError(KindWorkstationUnavailable, id, format, args...)
}

func MaxRetriesExceeded(id string, retries, max int) *Error {
	return newError(KindMaxRetriesExceeded, id, "task %s exhausted its retries (%d/%d)", id, retries, max)
}

func CommandFailed(id, format string, args ...any) *Error {
	return newError(KindCommandExecution, id, format, args...)
}

func Internal(err error) *Error {
	return (&Error{Kind: KindInternal, Message: "internal error"}).Wrap(err)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
