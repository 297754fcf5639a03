package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTimeout                = errors.New("deadline exceeded")
	ErrExecutionTimeout       = errors.New("execution timeout exceeded")
)

// ValidationError is a caller-correctable input problem tied to one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown definition or execution id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// TransitionError reports a status change the execution state machine rejects.
type TransitionError struct {
	From ExecutionStatus
	To   ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("execution status transition %q -> %q not allowed", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
