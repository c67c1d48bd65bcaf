package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/journal"
	"biomarker-session/internal/services/health"
	"biomarker-session/internal/session"
	"biomarker-session/internal/shared/config"
	"biomarker-session/internal/shared/metrics"
	"biomarker-session/internal/shared/server/middleware"
	"biomarker-session/internal/shared/server/respond"
)

const (
	rateGroupDefault = "DEFAULT"
	rateGroupSubmit  = "SUBMIT"
)

// RouterDeps carries the handlers mounted by NewRouter.
type RouterDeps struct {
	Config         config.Config
	Health         *health.Service
	SessionHandler *session.Handler
	JournalHandler *journal.Handler
	Limiter        *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateGroupDefault,
			GroupFor:     rateGroupFor,
			Limiter:      deps.Limiter,
			Rules: map[string]middleware.RateLimitRule{
				rateGroupDefault: {Rate: 20, Burst: 40},
				rateGroupSubmit:  {Rate: 0.5, Burst: 3},
			},
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		status := deps.Health.Status(c.Request.Context())
		code := http.StatusOK
		if ok, _ := status["ok"].(bool); !ok {
			code = http.StatusServiceUnavailable
		}
		respond.JSON(c, code, status)
	})
	if deps.SessionHandler != nil {
		deps.SessionHandler.RegisterRoutes(api)
	}
	if deps.JournalHandler != nil {
		deps.JournalHandler.RegisterRoutes(api)
	}

	return r
}

func rateGroupFor(c *gin.Context) string {
	if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/session" {
		return rateGroupSubmit
	}
	return rateGroupDefault
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
