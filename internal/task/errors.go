package task

import (
	"errors"
	"fmt"
)

var (
	ErrNoURL             = errors.New("url missing")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminal          = errors.New("task already finished")
	ErrCancelled         = errors.New("cancelled")
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindFetch      ErrorKind = "fetch"
	KindRelay      ErrorKind = "relay"
	KindInternal   ErrorKind = "internal"
	KindCancelled  ErrorKind = "cancelled"
)

// Error is a stage failure that terminates only its own task.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + " error: " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return KindInternal
}
