package ratelimit

import (
	"sync"
	"time"
)

// IPLimiter tracks WebSocket upgrade attempts per IP within a sliding window.
// The relay uses it to stop a single address from opening connections in a loop.
type IPLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	max     int
	window  time.Duration
	now     func() time.Time
}

// NewIPLimiter creates an IPLimiter allowing max attempts per window.
func NewIPLimiter(max int, window time.Duration) *IPLimiter {
	return &IPLimiter{
		entries: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if the IP has not exceeded the rate limit.
// If allowed, the attempt is recorded.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	valid := prune(l.entries[ip], now.Add(-l.window))

	if len(valid) >= l.max {
		l.entries[ip] = valid
		return false
	}

	l.entries[ip] = append(valid, now)
	return true
}

// Sweep drops IPs whose attempts have all left the window.
func (l *IPLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for ip, ts := range l.entries {
		if valid := prune(ts, cutoff); len(valid) == 0 {
			delete(l.entries, ip)
		} else {
			l.entries[ip] = valid
		}
	}
}

// prune removes timestamps at or before cutoff, reusing the backing array.
func prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
