package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per principal.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // principal -> *cachedLimiter
	now      func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long an idle principal's bucket is kept.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// WithLimit sets the sustained rate per second and the burst. A zero rate means unlimited.
func WithLimit(perSecond float64, burst int) RateLimiterOption {
	return func(l *RateLimiter) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

// NewRateLimiter creates a limiter allowing 1 request per second with a burst of 5.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{limit: 1, burst: 5, ttl: 5 * time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.burst < 1 {
		l.burst = 1
	}
	return l
}

// Middleware rejects requests over the principal's rate with 429.
// It must run after AuthMiddleware.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// limit=0 means unlimited
			if l.limit > 0 && !l.get(principal).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *RateLimiter) get(principal string) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(principal); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(principal, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}
