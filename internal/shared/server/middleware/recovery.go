package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/server/respond"
	"biomarker-session/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500 error body. Panics after the
// response started (an open event stream) are only logged.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			fields := map[string]any{
				"request_id": RequestIDFromContext(c),
				"error":      fmt.Sprint(rec),
				"stack":      string(debug.Stack()),
				"path":       c.Request.URL.Path,
				"method":     c.Request.Method,
			}
			if sessionID := c.GetString(SessionIDKey); sessionID != "" {
				fields["session_id"] = sessionID
			}
			telemetry.Error("http.panic", fields)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respond.Error(c, http.StatusInternalServerError, "internal_error", "unexpected server error", nil)
		}()
		c.Next()
	}
}
