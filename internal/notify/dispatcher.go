// Package notify decides how an incoming message is surfaced to the user and
// talks to the push relay for offline devices.
package notify

import (
	"sync"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/message"
)

// DefaultHorizon is how long a delivered message id is remembered.
const DefaultHorizon = 60 * time.Second

// Visibility is the foreground state of the client.
type Visibility struct {
	Visible     bool
	FocusedRoom string
}

// Outcome is what the dispatcher did with a message.
type Outcome int

const (
	Skipped Outcome = iota
	Banner
	System
)

// Sink shows notifications.
type Sink interface {
	// Banner shows an in-app notice.
	Banner(m *message.Message)
	// System raises an operating-system notification.
	System(m *message.Message)
}

// Dispatcher surfaces each incoming message at most once, no matter how
// many channels deliver it.
type Dispatcher struct {
	mu      sync.Mutex
	self    string
	horizon time.Duration
	sink    Sink
	now     func() time.Time
	vis     Visibility
	seen    map[string]time.Time
}

// NewDispatcher creates a Dispatcher for the local user self.
func NewDispatcher(self string, sink Sink, horizon time.Duration) *Dispatcher {
	return &Dispatcher{
		self:    self,
		horizon: horizon,
		sink:    sink,
		now:     time.Now,
		seen:    make(map[string]time.Time),
	}
}

// SetVisibility records the client's foreground state.
func (d *Dispatcher) SetVisibility(v Visibility) {
	d.mu.Lock()
	d.vis = v
	d.mu.Unlock()
}

// Visibility returns the last recorded foreground state.
func (d *Dispatcher) Visibility() Visibility {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vis
}

// OnIncoming notifies about m unless it is self-authored, deleted, or was
// already notified within the horizon. A visible client gets a banner; a
// hidden one gets a system notification.
func (d *Dispatcher) OnIncoming(m *message.Message) Outcome {
	d.mu.Lock()
	if m.AuthorID == d.self || m.Deleted() {
		d.mu.Unlock()
		return Skipped
	}

	now := d.now()
	for id, at := range d.seen {
		if now.Sub(at) > d.horizon {
			delete(d.seen, id)
		}
	}
	if _, dup := d.seen[m.ID]; dup {
		d.mu.Unlock()
		return Skipped
	}
	d.seen[m.ID] = now

	outcome := System
	if d.vis.Visible {
		outcome = Banner
	}
	d.mu.Unlock()

	if d.sink == nil {
		return outcome
	}
	if outcome == Banner {
		d.sink.Banner(m)
	} else {
		d.sink.System(m)
	}
	return outcome
}
