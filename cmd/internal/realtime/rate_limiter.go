package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps inbound frames per connection: at most limit events in any
// window. Accepted timestamps live in a fixed ring so Allow never allocates.
type RateLimiter struct {
	window time.Duration

	mu   sync.Mutex
	ring []time.Time
	next int
	full bool
}

// NewRateLimiter falls back to the gateway defaults for non-positive inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{window: window, ring: make([]time.Time, limit)}
}

// Allow records an event at now unless the window is already saturated.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Once the ring has wrapped, the slot about to be overwritten holds the
	// oldest accepted event.
	if r.full && r.ring[r.next].After(now.Add(-r.window)) {
		return false
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
	return true
}
