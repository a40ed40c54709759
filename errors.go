package campaign

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/campaign/checkpoint"
	"github.com/deepnoodle-ai/campaign/matrix"
)

// Error type constants for classification and matching
const (
	// ErrorTypeConfiguration indicates invalid input, an inconsistent tool,
	// or a step resumed out of order.
	ErrorTypeConfiguration = "configuration"

	// ErrorTypeCorruptState indicates persisted state that cannot be trusted.
	ErrorTypeCorruptState = "corrupt_state"

	// ErrorTypeStaleState indicates the primary checkpoint was unreadable and
	// recovery from its backup was declined.
	ErrorTypeStaleState = "stale_state"

	// ErrorTypeToolExecution indicates an external collaborator failed.
	ErrorTypeToolExecution = "tool_execution"

	// ErrorTypeCanceled indicates the campaign was interrupted through its
	// context.
	ErrorTypeCanceled = "canceled"
)

// Error represents a structured campaign error with classification.
// It supports Go's error wrapping patterns with Unwrap() method
type Error struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new Error with the specified type and cause.
func NewError(errorType, cause string) *Error {
	return &Error{
		Type:  errorType,
		Cause: cause,
	}
}

func configErrorf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Type: ErrorTypeConfiguration, Cause: err.Error(), Wrapped: err}
}

func toolErrorf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Type: ErrorTypeToolExecution, Cause: err.Error(), Wrapped: err}
}

// ClassifyError maps an error onto a campaign error type. Errors that are
// already an *Error are returned as is; sentinel errors of the checkpoint
// and matrix packages are recognized; anything else is a tool execution
// error.
func ClassifyError(err error) *Error {
	var campaignError *Error
	if errors.As(err, &campaignError) {
		return campaignError
	}
	errorType := ErrorTypeToolExecution
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		errorType = ErrorTypeCanceled
	case errors.Is(err, checkpoint.ErrStaleDeclined):
		errorType = ErrorTypeStaleState
	case errors.Is(err, checkpoint.ErrCorrupt):
		errorType = ErrorTypeCorruptState
	case errors.Is(err, checkpoint.ErrInvalidState),
		errors.Is(err, checkpoint.ErrOutOfOrder),
		errors.Is(err, checkpoint.ErrStepMismatch),
		errors.Is(err, checkpoint.ErrDependencyCycle),
		errors.Is(err, checkpoint.ErrUnknownCheckpoint),
		errors.Is(err, matrix.ErrDuplicateRow),
		errors.Is(err, matrix.ErrUnknownColumn),
		errors.Is(err, matrix.ErrUnknownRow),
		errors.Is(err, matrix.ErrColumnMismatch),
		errors.Is(err, matrix.ErrInvalidColumns):
		errorType = ErrorTypeConfiguration
	}
	return &Error{
		Type:    errorType,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error classifies as the given type.
func MatchesErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == errorType
}
