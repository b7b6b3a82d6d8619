package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimits configures the two client tiers. The execute tier covers
// /debug/execute*; everything else under client auth uses the standard tier.
type RateLimits struct {
	ExecutePerMin  float64
	ExecuteBurst   int
	StandardPerMin float64
	StandardBurst  int
}

// RateLimiter holds per-identity token buckets. Identity comes from the
// authenticated caller when available and falls back to the client IP.
type RateLimiter struct {
	cfg RateLimits

	mu       sync.Mutex
	execute  map[string]*rate.Limiter
	standard map[string]*rate.Limiter
}

// NewRateLimiter builds the limiter with the given tier configuration.
func NewRateLimiter(cfg RateLimits) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		execute:  make(map[string]*rate.Limiter),
		standard: make(map[string]*rate.Limiter),
	}
}

// Limit wraps a handler chain segment with per-identity rate limiting.
// Mount after ClientAuth so the identity is available.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		isExecute := strings.HasPrefix(r.URL.Path, "/debug/execute")
		limiter, perMin := rl.limiterFor(key, isExecute)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(perMin)))
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			reqID := w.Header().Get(ResponseRequestIDHeader)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","details":{"code":"RATE_LIMIT_EXCEEDED"},"request_id":"` + reqID + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) limiterFor(key string, execute bool) (*rate.Limiter, float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if execute {
		l, ok := rl.execute[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rl.cfg.ExecutePerMin/60.0), rl.cfg.ExecuteBurst)
			rl.execute[key] = l
		}
		return l, rl.cfg.ExecutePerMin
	}
	l, ok := rl.standard[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.cfg.StandardPerMin/60.0), rl.cfg.StandardBurst)
		rl.standard[key] = l
	}
	return l, rl.cfg.StandardPerMin
}

func clientKey(r *http.Request) string {
	if caller, ok := CallerFromContext(r.Context()); ok && caller.Identity != "" {
		return caller.Identity
	}
	return clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
