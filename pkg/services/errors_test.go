package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewValidationError_MessageIncludesFieldAndReason(t *testing.T) {
	err := NewValidationError("wish", "must not be empty")
	assert.Equal(t, `validation error on field "wish": must not be empty`, err.Error())
}

func TestNewValidationError_UnwrapsToErrInvalidInput(t *testing.T) {
	err := NewValidationError("wish", "must not be empty")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestIsValidationError_TrueForValidationError(t *testing.T) {
	err := NewValidationError("title", "must not be empty")
	assert.True(t, IsValidationError(err))
}

func TestIsValidationError_TrueWhenWrapped(t *testing.T) {
	err := fmt.Errorf("creating save: %w", NewValidationError("title", "must not be empty"))
	assert.True(t, IsValidationError(err))
}

func TestIsValidationError_FalseForOtherErrors(t *testing.T) {
	assert.False(t, IsValidationError(ErrNotFound))
	assert.False(t, IsValidationError(ErrForbidden))
	assert.False(t, IsValidationError(errors.New("boom")))
}
