// Package errors provides structured error types for the Gridrow engine.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by failure kind.
type ErrorCategory string

const (
	// ErrCategoryValidation covers invalid schema, field, and row shapes.
	// Validation failures are synchronous and never partially applied.
	ErrCategoryValidation ErrorCategory = "VALIDATION"

	// ErrCategoryReference covers broken lookup/formula paths: deleted or
	// missing fields, trashed tables referenced mid-path.
	ErrCategoryReference ErrorCategory = "REFERENCE"

	// ErrCategorySync covers external data-source failures during a sync
	// run: unreachable source, bad response, unparsable payload.
	ErrCategorySync ErrorCategory = "SYNC"

	// ErrCategoryConflict covers lock contention: a sync already running,
	// a row lock held by a concurrent mutation.
	ErrCategoryConflict ErrorCategory = "CONFLICT"

	// ErrCategoryStorage covers failures of the underlying row store.
	ErrCategoryStorage ErrorCategory = "STORAGE"

	// ErrCategoryInternal covers invariant violations; these indicate a
	// bug, not user input, and are not caught.
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeEmptyFieldName     = "EMPTY_FIELD_NAME"
	CodeDuplicateFieldName = "DUPLICATE_FIELD_NAME"
	CodeFieldNameTooLong   = "FIELD_NAME_TOO_LONG"
	CodeReservedFieldName  = "RESERVED_FIELD_NAME"
	CodeSizeLimitExceeded  = "SIZE_LIMIT_EXCEEDED"
	CodeInvalidFieldConfig = "INVALID_FIELD_CONFIG"
	CodeIncompatibleFilter = "INCOMPATIBLE_FILTER"
	CodePrimaryFieldNeeded = "PRIMARY_FIELD_NEEDED"

	// Reference codes
	CodeFieldNotFound     = "FIELD_NOT_FOUND"
	CodeTableNotFound     = "TABLE_NOT_FOUND"
	CodeRowNotFound       = "ROW_NOT_FOUND"
	CodeBrokenReference   = "BROKEN_REFERENCE"
	CodeCircularReference = "CIRCULAR_REFERENCE"

	// Sync codes
	CodeSourceUnreachable  = "SOURCE_UNREACHABLE"
	CodeBadSourcePayload   = "BAD_SOURCE_PAYLOAD"
	CodeUniquePrimaryInUse = "UNIQUE_PRIMARY_IN_USE"

	// Conflict codes
	CodeSyncAlreadyRunning = "SYNC_ALREADY_RUNNING"
	CodeRowLockHeld        = "ROW_LOCK_HELD"

	// Storage codes
	CodeWriteFailed = "WRITE_FAILED"
	CodeReadFailed  = "READ_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// GridError is the structured error type used throughout the engine.
type GridError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *GridError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *GridError) Is(target error) bool {
	var t *GridError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new GridError.
func New(category ErrorCategory, code, message string) *GridError {
	return &GridError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new GridError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *GridError {
	return &GridError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *GridError) WithDetails(details map[string]interface{}) *GridError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ge *GridError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a GridError.
func GetCategory(err error) ErrorCategory {
	var ge *GridError
	if errors.As(err, &ge) {
		return ge.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a GridError.
func GetCode(err error) string {
	var ge *GridError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// isRetryable determines whether an error code is worth retrying: lock
// contention and transient source/storage failures are, everything else
// needs caller intervention.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryConflict:
		return true
	case category == ErrCategorySync && code == CodeSourceUnreachable:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *GridError {
	return New(ErrCategoryValidation, code, message)
}

func NewReferenceError(code, message string) *GridError {
	return New(ErrCategoryReference, code, message)
}

func NewSyncError(code, message string, cause error) *GridError {
	return Wrap(ErrCategorySync, code, message, cause)
}

func NewConflictError(code, message string) *GridError {
	return New(ErrCategoryConflict, code, message)
}

func NewStorageError(code, message string, cause error) *GridError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}
