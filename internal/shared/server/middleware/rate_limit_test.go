package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRateLimitSubmitStricterThanDefault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })

	groupFor := func(c *gin.Context) string {
		if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/session" {
			return "SUBMIT"
		}
		return "DEFAULT"
	}

	r := gin.New()
	r.Use(RateLimit(RateLimitConfig{
		DefaultGroup: "DEFAULT",
		GroupFor:     groupFor,
		Limiter:      limiter,
		Rules: map[string]RateLimitRule{
			"DEFAULT": {Rate: 5, Burst: 10},
			"SUBMIT":  {Rate: 1, Burst: 2},
		},
	}))

	r.GET("/api/v1/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.POST("/api/v1/session", func(c *gin.Context) {
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("snapshot request %d expected 200, got %d", i+1, resp.Code)
		}
	}

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/session", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusAccepted {
			t.Fatalf("submit request %d expected 202, got %d", i+1, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/session", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("submit request 3 expected 429, got %d", resp.Code)
	}
}

func TestRateLimit429IncludesRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })

	r := gin.New()
	r.Use(RateLimit(RateLimitConfig{
		DefaultGroup: "DEFAULT",
		GroupFor: func(c *gin.Context) string {
			return "DEFAULT"
		},
		Limiter: limiter,
		Rules: map[string]RateLimitRule{
			"DEFAULT": {Rate: 1, Burst: 1},
		},
	}))
	r.GET("/api/v1/limited", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	req1 := httptest.NewRequest(http.MethodGet, "/api/v1/limited", nil)
	resp1 := httptest.NewRecorder()
	r.ServeHTTP(resp1, req1)
	if resp1.Code != http.StatusOK {
		t.Fatalf("expected first request 200, got %d", resp1.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/limited", nil)
	resp2 := httptest.NewRecorder()
	r.ServeHTTP(resp2, req2)
	if resp2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp2.Code)
	}
	if resp2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	var payload struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Error.Code != "rate_limited" {
		t.Fatalf("expected code rate_limited, got %q", payload.Error.Code)
	}
	if _, ok := payload.Error.Details["retryAfterMs"]; !ok {
		t.Fatalf("expected retryAfterMs in details")
	}
	if payload.Error.Details["group"] != "DEFAULT" {
		t.Fatalf("expected group DEFAULT, got %v", payload.Error.Details["group"])
	}
}

func TestRateLimiterRefillsAndSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })
	rule := RateLimitRule{Rate: 1, Burst: 1}

	if ok, _ := limiter.Allow("a", rule); !ok {
		t.Fatalf("first call should pass")
	}
	ok, wait := limiter.Allow("a", rule)
	if ok || wait != time.Second {
		t.Fatalf("expected rejection with 1s wait, got ok=%v wait=%v", ok, wait)
	}
	now = now.Add(time.Second)
	if ok, _ := limiter.Allow("a", rule); !ok {
		t.Fatalf("bucket should have refilled")
	}

	now = now.Add(bucketIdleTTL + time.Second)
	for i := 0; i < sweepEvery; i++ {
		limiter.Allow("b", rule)
	}
	if n := limiter.Len(); n != 1 {
		t.Fatalf("expected idle bucket swept, have %d buckets", n)
	}
}
