package api

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/hezawei/rebirth-game/pkg/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func recordMappedError(err error) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	mapServiceError(c, err)
	return w
}

func TestMapServiceError_ValidationErrorIsBadRequest(t *testing.T) {
	w := recordMappedError(services.NewValidationError("wish", "must not be empty"))
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "wish")
}

func TestMapServiceError_UnwrappedInvalidInputTextIsInternalError(t *testing.T) {
	w := recordMappedError(errors.New("wrapped: " + services.ErrInvalidInput.Error()))
	// a bare errors.New doesn't satisfy errors.Is against the sentinel,
	// so this exercises the fallback 500 path instead.
	assert.Equal(t, 500, w.Code)
}

func TestMapServiceError_WrappedErrInvalidInputIsBadRequest(t *testing.T) {
	wrapped := fmt.Errorf("%w: unknown choice option", services.ErrInvalidInput)
	w := recordMappedError(wrapped)
	assert.Equal(t, 400, w.Code)
}

func TestMapServiceError_ErrForbiddenIsForbidden(t *testing.T) {
	w := recordMappedError(services.ErrForbidden)
	assert.Equal(t, 403, w.Code)
}

func TestMapServiceError_ErrNotFoundIsNotFound(t *testing.T) {
	w := recordMappedError(services.ErrNotFound)
	assert.Equal(t, 404, w.Code)
}

func TestMapServiceError_ErrInvalidModelOutputIsInternalError(t *testing.T) {
	w := recordMappedError(services.ErrInvalidModelOutput)
	assert.Equal(t, 500, w.Code)
}

func TestMapServiceError_ErrLLMUnavailableIsInternalError(t *testing.T) {
	w := recordMappedError(services.ErrLLMUnavailable)
	assert.Equal(t, 500, w.Code)
}

func TestMapServiceError_UnknownErrorIsInternalErrorWithoutLeakingDetail(t *testing.T) {
	w := recordMappedError(errors.New("raw sql connection refused at 10.0.0.5:5432"))
	assert.Equal(t, 500, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")
}
