package ports

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger and session operations. Callers match with
// errors.Is and map them to transport status codes at the edge.
var (
	// ErrNotFound indicates an unknown task or session id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates an attempt to move a task out of a
	// state that does not permit it. When it surfaces from a client call
	// it is a programming or race bug and is logged, never swallowed.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrUnauthorized indicates a missing, invalid or expired token.
	ErrUnauthorized = errors.New("unauthorized")
)

// FailureKind classifies why a task failed. The kind is preserved verbatim
// through the ledger and onto the wire so a dependency failure is never
// reduced to an opaque string.
type FailureKind string

const (
	FailureServiceUnavailable FailureKind = "ServiceUnavailable"
	FailureServiceTimeout     FailureKind = "ServiceTimeout"
	FailureServiceError       FailureKind = "ServiceError"
	FailureHandlerError       FailureKind = "HandlerError"
	FailureCancelled          FailureKind = "Cancelled"
)

// TaskError is the structured error attached to a failed task.
type TaskError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError builds a TaskError from any handler error, preserving the
// failure kind when err already carries one.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Kind: FailureHandlerError, Message: err.Error()}
}
