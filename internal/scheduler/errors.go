package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned by an Executor that cannot take more work.
	ErrRejected = errors.New("scheduler: submission rejected")
	// ErrResourceExhausted is returned when the process is too close to its
	// memory limit to start more work.
	ErrResourceExhausted = errors.New("scheduler: resource exhausted")
	ErrPoolStopped       = fmt.Errorf("%w: pool stopped", ErrRejected)

	// Finished is returned by an execution whose work is permanently done.
	// The item is released without being requeued.
	Finished = errors.New("scheduler: finished")
)

type ErrorKind string

const (
	KindSubmissionRejected ErrorKind = "submission_rejected"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindExecutionFailed    ErrorKind = "execution_failed"
)

// Error carries the kind of a scheduling or execution failure.
type Error struct {
	Kind ErrorKind
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the ErrorKind carried by err, or "" when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrRejected):
		return KindSubmissionRejected
	}
	return ""
}

// panicError is a recovered panic from an execution.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
