package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(300 * time.Millisecond)) {
		t.Fatalf("4th event inside the window must be rejected")
	}
	if !rl.Allow(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("first event should have slid out of the window")
	}
}

func TestRateLimiter_DefaultsForInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed under the default limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event past the default limit must be rejected")
	}
	if !rl.Allow(now.Add(rateLimitWindow)) {
		t.Fatalf("events should be allowed again once the default window has passed")
	}
}
