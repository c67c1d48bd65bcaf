package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods  = "GET,POST,DELETE,OPTIONS"
	corsAllowHeaders  = "Content-Type, Last-Event-ID, X-Request-Id"
	corsExposeHeaders = "X-Request-Id"
	corsMaxAge        = "600"
)

// CORS answers preflights and tags responses for allowed origins. A "*"
// entry allows any origin without credentials.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]struct{})
	wildcard := false
	for _, o := range allowedOrigins {
		switch trimmed := strings.TrimRight(strings.TrimSpace(o), "/"); trimmed {
		case "":
		case "*":
			wildcard = true
		default:
			origins[trimmed] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			h := c.Writer.Header()
			_, listed := origins[origin]
			switch {
			case listed:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			}
			if listed || wildcard {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
