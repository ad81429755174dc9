package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"roomtab-engine/internal/models"
)

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case models.IsInvalidState(err):
		return http.StatusUnprocessableEntity
	case models.IsConflict(err):
		return http.StatusConflict
	case models.IsNotFound(err):
		return http.StatusNotFound
	case models.IsRemote(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the JSON error envelope. Internal errors are not echoed
// back to the caller.
func (h *Handler) writeError(c *gin.Context, action string, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}

	h.logger.Error(action, "Request failed", requestID(c), err, map[string]interface{}{
		"status_code": status,
		"path":        c.FullPath(),
	})

	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"request_id": requestID(c),
	})
}
