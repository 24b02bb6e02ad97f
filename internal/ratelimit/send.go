package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultSendLimit    = 5
	DefaultSendWindow   = time.Second
	DefaultSendCooldown = 10 * time.Second
)

// SendLimiter throttles a single client's outbound sends. Attempts are kept
// in a sliding window; once the window holds limit attempts the limiter
// blocks every attempt for the cooldown, then starts over with an empty window.
type SendLimiter struct {
	mu           sync.Mutex
	stamps       []time.Time
	blockedUntil time.Time
	limit        int
	window       time.Duration
	cooldown     time.Duration
	now          func() time.Time
}

// SendOption configures a SendLimiter.
type SendOption func(*SendLimiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) SendOption {
	return func(l *SendLimiter) {
		l.now = now
	}
}

// NewSendLimiter creates a limiter allowing fewer than limit sends per window,
// with the given cooldown once the limit is hit.
func NewSendLimiter(limit int, window, cooldown time.Duration, opts ...SendOption) *SendLimiter {
	l := &SendLimiter{
		limit:    limit,
		window:   window,
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryConsume records a send attempt and reports whether it may proceed.
func (l *SendLimiter) TryConsume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.blockedUntil.IsZero() {
		if now.Before(l.blockedUntil) {
			return false
		}
		// Cooldown over; the window starts fresh.
		l.blockedUntil = time.Time{}
		l.stamps = l.stamps[:0]
	}

	l.stamps = prune(l.stamps, now.Add(-l.window))
	if len(l.stamps) >= l.limit {
		l.blockedUntil = now.Add(l.cooldown)
		return false
	}
	l.stamps = append(l.stamps, now)
	return true
}

// RetryAfter returns how long the limiter remains blocked, or zero.
func (l *SendLimiter) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.blockedUntil.IsZero() {
		return 0
	}
	if d := l.blockedUntil.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}
