package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"canvas-cms/internal/ratelimit"
	"canvas-cms/internal/security"

	"golang.org/x/time/rate"
)

const (
	// Maximum number of limiters to keep in memory
	maxLimiters = 10000
	// Time after which an inactive limiter is removed
	cleanupInterval = 5 * time.Minute
	// Limiter is considered inactive if not used for this duration
	limiterTTL = 15 * time.Minute
)

// limiterEntry wraps a rate.Limiter with last access time
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPThrottle smooths per-client request bursts with a token bucket. It sits
// in front of the fixed-window quota: the bucket absorbs spikes, the window
// enforces the budget.
type IPThrottle struct {
	limiters map[string]*limiterEntry
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	stopCh   chan struct{}
}

// NewIPThrottle creates a throttle with automatic cleanup. Cleanup stops when
// ctx is cancelled or Stop is called.
func NewIPThrottle(ctx context.Context, requestsPerSecond float64, burst int) *IPThrottle {
	t := &IPThrottle{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		stopCh:   make(chan struct{}),
	}

	go t.cleanupLoop(ctx)

	return t
}

// cleanupLoop periodically removes inactive limiters to prevent memory leaks
func (t *IPThrottle) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

// cleanup removes limiters that haven't been used recently
func (t *IPThrottle) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.limiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(t.limiters, key)
		}
	}

	// If still over the cap, evict least recently used entries
	for len(t.limiters) > maxLimiters {
		var oldestKey string
		var oldest time.Time
		for key, entry := range t.limiters {
			if oldestKey == "" || entry.lastAccess.Before(oldest) {
				oldestKey = key
				oldest = entry.lastAccess
			}
		}
		delete(t.limiters, oldestKey)
	}
}

// Stop stops the cleanup goroutine
func (t *IPThrottle) Stop() {
	close(t.stopCh)
}

// getLimiter returns the limiter for a client, creating one if needed.
func (t *IPThrottle) getLimiter(key string) *rate.Limiter {
	t.mu.RLock()
	entry, exists := t.limiters[key]
	t.mu.RUnlock()

	if exists {
		t.mu.Lock()
		entry.lastAccess = time.Now()
		t.mu.Unlock()
		return entry.limiter
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	entry, exists = t.limiters[key]
	if exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	entry = &limiterEntry{
		limiter:    rate.NewLimiter(t.rate, t.burst),
		lastAccess: time.Now(),
	}
	t.limiters[key] = entry
	return entry.limiter
}

// Middleware returns a chi-compatible middleware function
func (t *IPThrottle) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := security.ClientIP(r)

			if !t.getLimiter(key).Allow() {
				http.Error(w, `{"error":"Rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Quota enforces the general fixed-window budget (50 requests per 5 minutes
// per client) and reports the remaining quota in response headers so clients
// can back off.
func Quota(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := limiter.Check(r.Context(), "ip:"+security.ClientIP(r))

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				w.Header().Set("Retry-After", ratelimit.RetryAfter(result.ResetAt))
				http.Error(w, `{"error":"Rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
