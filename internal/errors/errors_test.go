package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewValidationError(CodeDuplicateFieldName, "field name 'City' is used twice")
	assert.Equal(t, "[VALIDATION:DUPLICATE_FIELD_NAME] field name 'City' is used twice", err.Error())

	wrapped := NewSyncError(CodeSourceUnreachable, "fetching calendar", stderrors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "SYNC:SOURCE_UNREACHABLE")
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestErrorsIsMatchesCategoryAndCode(t *testing.T) {
	err := NewConflictError(CodeSyncAlreadyRunning, "sync 12 already running")
	target := New(ErrCategoryConflict, CodeSyncAlreadyRunning, "")

	assert.True(t, stderrors.Is(err, target))
	assert.False(t, stderrors.Is(err, New(ErrCategoryConflict, CodeRowLockHeld, "")))
}

func TestUnwrapChain(t *testing.T) {
	cause := stderrors.New("disk full")
	err := fmt.Errorf("store: creating rows: %w", NewStorageError(CodeWriteFailed, "insert batch", cause))

	var ge *GridError
	assert.True(t, stderrors.As(err, &ge))
	assert.Equal(t, ErrCategoryStorage, GetCategory(err))
	assert.Equal(t, CodeWriteFailed, GetCode(err))
	assert.True(t, stderrors.Is(err, cause))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, IsRetryable(NewConflictError(CodeSyncAlreadyRunning, "")))
	assert.True(t, IsRetryable(NewSyncError(CodeSourceUnreachable, "", nil)))
	assert.False(t, IsRetryable(NewSyncError(CodeBadSourcePayload, "", nil)))
	assert.False(t, IsRetryable(NewValidationError(CodeEmptyFieldName, "")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
}

func TestWithDetails(t *testing.T) {
	err := NewReferenceError(CodeBrokenReference, "lookup target gone").
		WithDetails(map[string]interface{}{"field": "CustomerCity"})
	assert.Equal(t, "CustomerCity", err.Details["field"])
}
