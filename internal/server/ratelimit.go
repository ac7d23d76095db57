package server

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/michaelbrown/wasmbox/internal/config"
	"github.com/michaelbrown/wasmbox/internal/metrics"
)

// globalRateLimit applies one token bucket across all clients. A
// non-positive rate disables limiting.
func globalRateLimit(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				if m != nil {
					m.RateLimited.Inc()
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
