package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies pipeline errors for handling and audit purposes.
type ErrorType string

const (
	// ErrTypeValidation marks malformed or unparseable input rows. The
	// offending file is skipped; processing continues with the next task.
	ErrTypeValidation ErrorType = "VALIDATION"
	// ErrTypeSchema marks files whose columns cannot be mapped to the
	// canonical schema even through the alias table.
	ErrTypeSchema ErrorType = "SCHEMA_MISMATCH"
	// ErrTypeTransientIO marks filesystem issues worth retrying: locked
	// files, partial reads, transient mount problems.
	ErrTypeTransientIO ErrorType = "TRANSIENT_IO"
	// ErrTypeConfig marks invalid or missing configuration. Fatal: the
	// service never starts watching.
	ErrTypeConfig ErrorType = "CONFIG"
	// ErrTypePublish marks failures during atomic version promotion. The
	// staged version is discarded and the latest pointer stays unchanged.
	ErrTypePublish ErrorType = "PUBLISH"
)

// AppError is the pipeline's structured error. Context carries
// machine-readable detail (row index, column name, file path) so failures
// can be diagnosed from the audit log without re-running.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value detail to the error and returns it.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an AppError of the given type.
func New(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewValidationError creates a whole-file validation error.
func NewValidationError(message string, cause error) *AppError {
	return New(ErrTypeValidation, message, cause)
}

// NewRowError creates a validation error pinned to a row and column.
func NewRowError(row int, column, reason string) *AppError {
	return New(ErrTypeValidation, reason, nil).
		WithContext("row", row).
		WithContext("column", column)
}

// NewSchemaError creates a schema mismatch error naming the missing column.
func NewSchemaError(column string) *AppError {
	return New(ErrTypeSchema, fmt.Sprintf("required column %q could not be mapped", column), nil).
		WithContext("column", column)
}

// NewTransientIOError creates a retryable I/O error.
func NewTransientIOError(message string, cause error) *AppError {
	return New(ErrTypeTransientIO, message, cause)
}

// NewConfigError creates a fatal configuration error.
func NewConfigError(message string, cause error) *AppError {
	return New(ErrTypeConfig, message, cause)
}

// NewPublishError creates a publish failure error.
func NewPublishError(message string, cause error) *AppError {
	return New(ErrTypePublish, message, cause)
}

// TypeOf returns the ErrorType of err, or "" when err carries no AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsRetryable reports whether the task that produced err should be retried.
// Only transient I/O failures are retried; validation, schema, config, and
// publish errors are terminal for the task.
func IsRetryable(err error) bool {
	return TypeOf(err) == ErrTypeTransientIO
}
