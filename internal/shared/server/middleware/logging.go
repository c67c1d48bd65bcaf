package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/telemetry"
)

// Context keys handlers may set for the request log line.
const (
	SessionIDKey        = "sessionId"
	StatusTransitionKey = "statusTransition"
)

// Logging writes one "request.complete" line per request. Preflights and
// metrics scrapes are not logged; 5xx responses are logged at warn.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"status":            status,
			"duration_ms":       float64(time.Since(start).Microseconds()) / 1000.0,
			"session_id":        c.GetString(SessionIDKey),
			"status_transition": c.GetString(StatusTransitionKey),
			"client_ip":         c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		if status >= http.StatusInternalServerError {
			telemetry.Warn("request.complete", fields)
			return
		}
		telemetry.Info("request.complete", fields)
	}
}
