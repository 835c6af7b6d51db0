package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hezawei/rebirth-game/pkg/services"
)

// mapServiceError is the single chokepoint that turns a service-layer
// error into an HTTP status code and a short JSON body. It never leaks
// an internal error's raw text to the client for unexpected failures.
func mapServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	if errors.Is(err, services.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, services.ErrForbidden) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not permitted"})
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, services.ErrInvalidModelOutput) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "story generation produced an invalid response"})
		return
	}
	if errors.Is(err, services.ErrLLMUnavailable) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "story generation is temporarily unavailable"})
		return
	}

	slog.Error("unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
