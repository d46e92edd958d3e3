package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/hmis/billing/internal/platform/db"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// limiterStore keeps one token bucket per tenant and client address.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func newLimiterStore(cfg RateLimitConfig) *limiterStore {
	return &limiterStore{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
		s.limiters[key] = l
	}
	return l
}

// retryAfter is the whole number of seconds until l has a token again.
func retryAfter(l *rate.Limiter, now time.Time) int {
	if l.Limit() <= 0 {
		return 1
	}
	missing := 1 - l.TokensAt(now)
	if missing <= 0 {
		return 1
	}
	return int(math.Ceil(missing / float64(l.Limit())))
}

func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := newLimiterStore(cfg)
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tenant := db.TenantFromContext(c.Request().Context()); tenant != "" {
				key = tenant + ":" + key
			}

			l := store.get(key)
			now := time.Now()
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !l.AllowN(now, 1) {
				h.Set("Retry-After", strconv.Itoa(retryAfter(l, now)))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
