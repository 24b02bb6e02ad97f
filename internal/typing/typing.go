// Package typing broadcasts the local user's typing state and tracks who
// else in the room is typing.
package typing

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultQuiet is the inactivity after which local typing stops.
	DefaultQuiet = 1500 * time.Millisecond
	// DefaultRemoteTTL is how long a remote "typing" lasts without a refresh.
	DefaultRemoteTTL = 5 * time.Second
)

// Emitter sends a typing signal to the room.
type Emitter func(typing bool)

// Coordinator debounces local keystrokes into typing=true/false signals and
// keeps the set of remote typers. Remote entries expire when read; no timer
// mutates the remote set.
type Coordinator struct {
	mu        sync.Mutex
	self      string
	quiet     time.Duration
	remoteTTL time.Duration
	emit      Emitter
	now       func() time.Time

	active    bool
	lastTrue  time.Time
	expiresAt time.Time
	timer     *time.Timer

	remote   map[string]time.Time
	selfEcho time.Time
	stopped  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQuiet sets the inactivity period before typing=false is sent.
func WithQuiet(d time.Duration) Option {
	return func(c *Coordinator) {
		c.quiet = d
	}
}

// WithRemoteTTL sets how long a remote typer stays listed without a refresh.
func WithRemoteTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		c.remoteTTL = d
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a Coordinator for the user named self.
func New(self string, emit Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:      self,
		quiet:     DefaultQuiet,
		remoteTTL: DefaultRemoteTTL,
		emit:      emit,
		now:       time.Now,
		remote:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocalTyping is called on every keystroke. The first keystroke emits
// typing=true; a continuous typer re-emits it once per quiet period so
// remote TTLs do not lapse. Every keystroke pushes the typing=false signal
// back by the quiet period.
func (c *Coordinator) LocalTyping() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.now()
	send := !c.active || now.Sub(c.lastTrue) >= c.quiet
	c.active = true
	c.expiresAt = now.Add(c.quiet)
	if send {
		c.lastTrue = now
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.quiet, c.expire)
	} else {
		c.timer.Reset(c.quiet)
	}
	c.mu.Unlock()

	if send {
		c.emit(true)
	}
}

func (c *Coordinator) expire() {
	c.mu.Lock()
	if !c.active || c.stopped {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	c.emit(false)
}

// Active reports whether the local user is currently marked typing.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RemoteTyping applies a typing signal received from the room. Signals
// named after the local user never reach the indicator; they only mark that
// another session of the same user is typing.
func (c *Coordinator) RemoteTyping(username string, isTyping bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if username == c.self {
		if isTyping {
			c.selfEcho = c.now()
		} else {
			c.selfEcho = time.Time{}
		}
		return
	}
	if isTyping {
		c.remote[username] = c.now()
	} else {
		delete(c.remote, username)
	}
}

// Typers returns the remote users typing within the TTL, sorted.
func (c *Coordinator) Typers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.remoteTTL)
	var names []string
	for name, at := range c.remote {
		if at.After(cutoff) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// TypingElsewhere reports whether another session of the local user was
// seen typing within the TTL while this one is idle.
func (c *Coordinator) TypingElsewhere() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.active && !c.selfEcho.IsZero() && c.now().Sub(c.selfEcho) < c.remoteTTL
}

// Stop cancels the pending timer and, if the local user was typing, emits
// typing=false. The coordinator ignores keystrokes afterwards.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasActive := c.active
	c.active = false
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	if wasActive {
		c.emit(false)
	}
}
