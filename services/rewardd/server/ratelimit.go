package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vendorvote/observability"
)

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per (route, client). Idle buckets are
// evicted lazily.
type RateLimiter struct {
	limit    RateLimit
	idle     time.Duration
	metrics  *observability.HTTPMetrics
	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
	clockNow func() time.Time
}

// NewRateLimiter returns nil when the limit is disabled.
func NewRateLimiter(limit RateLimit, metrics *observability.HTTPMetrics) *RateLimiter {
	if limit.RequestsPerMinute <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{
		limit:    limit,
		idle:     5 * time.Minute,
		metrics:  metrics,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

// Middleware throttles requests for route.
func (r *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if r == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.allow(route + "|" + clientID(req)) {
				r.metrics.RecordThrottle(route)
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(key string) bool {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastGC) > r.idle {
		for id, v := range r.visitors {
			if now.Sub(v.lastSeen) > r.idle {
				delete(r.visitors, id)
			}
		}
		r.lastGC = now
	}
	v, ok := r.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)}
		r.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// clientID prefers the authenticated subject and falls back to the remote
// address already normalised by chi's RealIP middleware.
func clientID(r *http.Request) string {
	if subject, _ := r.Context().Value(contextKeySubject).(string); subject != "" {
		return "sub:" + subject
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}
