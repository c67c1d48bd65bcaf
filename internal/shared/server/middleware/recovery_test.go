package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/telemetry"
)

func TestRecoveryReturnsErrorBody(t *testing.T) {
	var logs bytes.Buffer
	defer telemetry.SetOutput(&logs)()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/boom", func(c *gin.Context) {
		c.Set(SessionIDKey, "a1")
		panic("reconciler exploded")
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"internal_error"`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
	out := logs.String()
	if !strings.Contains(out, "http.panic") || !strings.Contains(out, `"session_id":"a1"`) {
		t.Fatalf("panic not logged with session: %s", out)
	}
}
