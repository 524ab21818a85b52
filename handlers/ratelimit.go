package handlers

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rustchain/rustchain-go/logger"
)

// RateLimiter applies a per-origin token bucket to write endpoints.
// This is advisory backpressure in front of validation, not a defense
// layer.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(origin string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[origin]
	if !ok {
		lim = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[origin] = lim
	}
	return lim
}

// Middleware rejects requests from origins that exhausted their bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src := origin(r)
		if !rl.limiterFor(src).Allow() {
			logger.Logger.Warn("Rate limit exceeded", zap.String("origin", src))
			writeError(w, http.StatusTooManyRequests, CodeMalformed, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
