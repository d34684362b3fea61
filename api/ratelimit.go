package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// window counts requests from one client inside a fixed window.
type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter allows limit requests per client IP in each window.
//
// Thread-Safety: safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	limit   int
	period  time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter. limit <= 0 disables limiting.
func NewRateLimiter(limit int, period time.Duration) *RateLimiter {
	if period <= 0 {
		period = 15 * time.Minute
	}
	return &RateLimiter{
		windows: make(map[string]window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// Enabled reports whether requests are counted at all.
func (l *RateLimiter) Enabled() bool { return l != nil && l.limit > 0 }

// Allow counts one request from ip. It returns whether the request may
// proceed, the requests left in the window and the time until it resets.
func (l *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	if !l.Enabled() {
		return true, 0, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[ip]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(l.period)}
	}
	if w.count >= l.limit {
		l.windows[ip] = w
		return false, 0, w.resetAt.Sub(now)
	}
	w.count++
	l.windows[ip] = w
	return true, l.limit - w.count, w.resetAt.Sub(now)
}

// Cleanup drops expired windows and returns how many were removed.
func (l *RateLimiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, ip)
			removed++
		}
	}
	return removed
}

// Count returns the number of tracked clients.
func (l *RateLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartCleanupTicker runs Cleanup every interval until ctx is done.
func (l *RateLimiter) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Middleware answers 429 with Retry-After once a client used its window.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, reset := l.Allow(clientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(reset.Seconds()))))
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests, try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}
