package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"biomarker-session/internal/shared/server/respond"
)

const (
	defaultRateLimitGroup = "DEFAULT"
	bucketIdleTTL         = 10 * time.Minute
	sweepEvery            = 1024
)

// RateLimitRule is a token bucket: Rate tokens per second up to Burst.
type RateLimitRule struct {
	Rate  float64
	Burst int
}

type RateLimitConfig struct {
	Rules        map[string]RateLimitRule
	DefaultGroup string
	GroupFor     func(*gin.Context) string
	Limiter      *RateLimiter
}

// RateLimiter keeps one bucket per client and group. Buckets idle for longer
// than bucketIdleTTL are dropped.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	calls   int
	now     func() time.Time
}

type rateBucket struct {
	tokens float64
	last   time.Time
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{buckets: make(map[string]*rateBucket), now: now}
}

// RateLimit rejects requests over their group's rule with 429 and Retry-After.
// Groups without a rule are not limited.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(nil)
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = defaultRateLimitGroup
	}
	return func(c *gin.Context) {
		group := cfg.DefaultGroup
		if cfg.GroupFor != nil {
			if g := strings.TrimSpace(cfg.GroupFor(c)); g != "" {
				group = g
			}
		}
		rule, ok := cfg.Rules[group]
		if !ok {
			c.Next()
			return
		}
		allowed, wait := cfg.Limiter.Allow(c.ClientIP()+"|"+group, rule)
		if allowed {
			c.Next()
			return
		}
		waitMs := int(wait / time.Millisecond)
		if waitMs <= 0 {
			waitMs = 1000
		}
		c.Header("Retry-After", strconv.Itoa(max(int(math.Ceil(float64(waitMs)/1000)), 1)))
		respond.Error(c, http.StatusTooManyRequests, "rate_limited", "too many requests", gin.H{
			"group":        group,
			"retryAfterMs": waitMs,
		})
	}
}

// Allow takes a token from key's bucket. When none is left it reports how
// long until one is.
func (l *RateLimiter) Allow(key string, rule RateLimitRule) (bool, time.Duration) {
	if l == nil || rule.Rate <= 0 || rule.Burst <= 0 {
		return true, 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &rateBucket{tokens: float64(rule.Burst), last: now}
		l.buckets[key] = b
	}
	b.refill(now, rule)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := (1 - b.tokens) / rule.Rate
	return false, time.Duration(math.Ceil(wait*1000)) * time.Millisecond
}

// Len reports how many buckets are tracked.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.last) > bucketIdleTTL {
			delete(l.buckets, key)
		}
	}
}

func (b *rateBucket) refill(now time.Time, rule RateLimitRule) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(rule.Burst), b.tokens+elapsed*rule.Rate)
	b.last = now
}
