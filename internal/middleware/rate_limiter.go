// Package middleware provides HTTP middleware for the gateway: per-sender
// rate limiting on the inject endpoint and request logging.
package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces a per-key request budget over a sliding one-minute
// window. Expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *slog.Logger
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxPerMinute int // Max requests per minute per key
	BurstSize    int // Allow temporary bursts above the limit
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter with the given defaults and starts its
// cleanup goroutine.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxPerMinute == 0 {
		cfg.MaxPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   slog.With("component", "ratelimit"),
	}

	go rl.cleanup()

	return rl
}

// Allow checks whether a request under the given key is within budget.
//
// Read-first: existing-window checks run under RLock; the write lock is
// taken only to create or roll a window. The count increment under RLock
// is a soft race, acceptable for a soft limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize {
			rl.logger.Warn("rate limit exceeded (burst)", "key", key, "count", count, "limit", rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxPerMinute {
			rl.logger.Warn("rate limit exceeded", "key", key, "count", count, "limit", rl.defaults.MaxPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another goroutine may have rolled the window while we upgraded.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.defaults.BurstSize
	}

	rl.windows[key] = &rateLimitWindow{
		count:       1,
		windowStart: now,
	}
	return true
}

// Middleware enforces the limit using a caller-supplied key function (for
// the inject endpoint: space + participant id).
func (rl *RateLimiter) Middleware(keyFn func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(keyFn(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// cleanup periodically removes expired windows to prevent unbounded
// growth.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats returns current limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows": len(rl.windows),
		"max_per_minute": rl.defaults.MaxPerMinute,
		"burst_size":     rl.defaults.BurstSize,
	}
}
