package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitedRoutes are the requests that write jobs or reach the Graph API.
// Reads stay unlimited.
var LimitedRoutes = []string{
	"POST /api/v1/jobs",
	"POST /api/v1/jobs/bulk",
	"POST /api/v1/jobs/{id}/publish",
	"POST /api/v1/sweep",
}

const clientIdleTTL = 5 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client IP. Idle buckets are
// dropped during later calls instead of by a background goroutine.
type clientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	rps       rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

func newClientLimiter(rps int) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   rps,
		now:     time.Now,
	}
}

// reserve takes a token for ip. When none is available it returns false
// and how long until the next one.
func (cl *clientLimiter) reserve(ip string) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	if now.Sub(cl.lastPrune) >= clientIdleTTL {
		for k, b := range cl.clients {
			if now.Sub(b.lastSeen) >= clientIdleTTL {
				delete(cl.clients, k)
			}
		}
		cl.lastPrune = now
	}

	b, ok := cl.clients[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[ip] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (cl *clientLimiter) size() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.clients)
}

// RateLimit allows rps requests per second per client IP on the given
// ServeMux patterns, LimitedRoutes when none are given. Rejected requests
// get 429 with Retry-After. rps <= 0 disables the middleware.
func RateLimit(rps int, patterns ...string) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if len(patterns) == 0 {
		patterns = LimitedRoutes
	}
	limited := http.NewServeMux()
	for _, p := range patterns {
		limited.Handle(p, http.NotFoundHandler())
	}
	cl := newClientLimiter(rps)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, pattern := limited.Handler(r); pattern != "" {
				if ok, wait := cl.reserve(clientIP(r)); !ok {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
