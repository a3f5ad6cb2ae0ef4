package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a fixed-window limiter keyed by client IP. Each client
// gets an independent counter that resets when its window elapses.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*windowBucket
}

type windowBucket struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow reports whether the client is within its budget. Safe for
// concurrent use.
func (r *rateLimiter) Allow(client string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.buckets[client]
	if !ok || now.After(b.resetAt) {
		r.buckets[client] = &windowBucket{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if b.count >= r.limit {
		return false
	}
	b.count++
	return true
}

// clientIP strips the port from RemoteAddr. Forwarding headers are not
// trusted; the control plane terminates its own connections.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
