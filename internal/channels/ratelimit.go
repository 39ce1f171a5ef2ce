package channels

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
)

const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
	// memory exhaustion from callers rotating keys.
	maxTrackedKeys = 4096

	// DefaultRateLimitWindow is the fixed window for rate counting.
	DefaultRateLimitWindow = 60 * time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter counts hits per key in fixed windows and bounds the
// number of tracked keys. Safe for concurrent use. A nil limiter allows
// everything.
type WebhookRateLimiter struct {
	maxHits int
	window  time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter allows maxHits per key per window. It returns nil
// when maxHits <= 0, which disables limiting.
func NewWebhookRateLimiter(maxHits int, window time.Duration, c clock.Clock) *WebhookRateLimiter {
	if maxHits <= 0 {
		return nil
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	return &WebhookRateLimiter{
		maxHits: maxHits,
		window:  window,
		clock:   clock.OrReal(c),
		entries: make(map[string]*rateLimitEntry),
	}
}

// Allow returns true if the key is within rate limits.
// Automatically prunes stale entries and enforces a hard cap on tracked keys.
func (r *WebhookRateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		// Hard eviction if still at cap.
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
