// Package respond writes the API's JSON bodies.
package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/telemetry"
)

// ErrorBody is the error object every failing endpoint returns.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody under "error".
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error aborts the request with an ErrorResponse. Client errors are logged
// as warnings, server errors as errors.
func Error(c *gin.Context, status int, code, message string, details any) {
	fields := map[string]any{
		"status":     status,
		"code":       code,
		"message":    message,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"request_id": c.GetString("requestId"),
	}
	if sessionID := c.GetString("sessionId"); sessionID != "" {
		fields["session_id"] = sessionID
	}
	if status >= http.StatusInternalServerError {
		telemetry.Error("http.error", fields)
	} else {
		telemetry.Warn("http.error", fields)
	}

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{Code: code, Message: message, Details: details},
	})
}

// JSON writes payload with status.
func JSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

// OK writes payload with 200.
func OK(c *gin.Context, payload any) {
	JSON(c, http.StatusOK, payload)
}
