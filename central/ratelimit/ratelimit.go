// Package ratelimit implements the per-client-IP sliding window described in
// spec.md §4.5: a 429 with standard Retry-After/X-RateLimit-* headers once a
// client exceeds its allotted requests per minute. Grounded in the
// rate-window/retry-after response shape of brennhill-gasoline's
// internal/capture.CircuitBreaker (429 body plus retry_after_ms), adapted
// from a single global breaker into a per-IP bucket pool built on
// golang.org/x/time/rate.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates requests per client IP, each bucket refilling at
// requestsPerMinute/60 tokens per second with a burst equal to the full
// per-minute allotment (so a client can spend its whole budget in one
// burst, then must wait for the window to refill — a sliding window in
// effect, realized with a token bucket).
type Limiter struct {
	requestsPerMinute int
	mu                sync.Mutex
	buckets           map[string]*rate.Limiter
}

// New creates a Limiter allowing requestsPerMinute requests per client IP.
func New(requestsPerMinute int) *Limiter {
	return &Limiter{
		requestsPerMinute: requestsPerMinute,
		buckets:           make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) bucket(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		perSecond := rate.Limit(float64(l.requestsPerMinute) / 60.0)
		b = rate.NewLimiter(perSecond, l.requestsPerMinute)
		l.buckets[ip] = b
	}
	return b
}

// Allow reports whether ip may proceed right now, consuming a token if so.
func (l *Limiter) Allow(ip string) bool {
	return l.bucket(ip).Allow()
}

// ClientIP resolves the client address per spec.md §4.5: the first entry of
// X-Forwarded-For if present, else the request's peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects over-limit requests with 429 and standard rate-limit
// headers, otherwise passing the request through untouched.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.requestsPerMinute))
			if !l.Allow(ip) {
				w.Header().Set("Retry-After", strconv.Itoa(int((60 * time.Second).Seconds())))
				w.Header().Set("X-RateLimit-Remaining", "0")
				http.Error(w, `{"error":"rate_limit_exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
