package ingress

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// perIPLimiter hands out one token-bucket limiter per client IP, using a
// per-key map guarded by a mutex.
type perIPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newRateLimiter(ratePerSecond float64, burst int) *perIPLimiter {
	return &perIPLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

func (l *perIPLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// apiRateLimit applies l only to requests under /api/*, excluding
// localhost (outside production) and requests bearing the configured
// dashboard API key.
func apiRateLimit(l *perIPLimiter, cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Production && isLocalhost(r) {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.DashboardAPIKey != "" && r.Header.Get("X-API-Key") == cfg.DashboardAPIKey {
				next.ServeHTTP(w, r)
				return
			}
			key := clientIP(r)
			if !l.allow(key) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLocalhost(r *http.Request) bool {
	ip := clientIP(r)
	return ip == "127.0.0.1" || ip == "::1" || strings.HasPrefix(ip, "127.")
}
