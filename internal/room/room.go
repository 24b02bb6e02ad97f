// Package room keeps the relay's registry of named rooms and their live
// connection counts.
package room

import (
	"regexp"
	"sort"
	"sync"
	"time"
)

// MaxIDLength bounds room identifiers.
const MaxIDLength = 64

var validID = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Room is a named room seen by the relay.
type Room struct {
	ID          string    `json:"id"`
	Capacity    int       `json:"capacity,omitempty"`
	ActiveConns int       `json:"active_conns"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsFull returns true if the room has reached its capacity.
func (r Room) IsFull() bool {
	return r.Capacity > 0 && r.ActiveConns >= r.Capacity
}

// Manager manages chat rooms. Rooms are created on first join.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	capacity int
	now      func() time.Time
}

// NewManager creates a new room Manager. capacity caps connections per
// room; 0 means unlimited.
func NewManager(capacity int) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		capacity: capacity,
		now:      time.Now,
	}
}

// Ensure returns the room with id, creating it if needed.
func (m *Manager) Ensure(id string) Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ensureLocked(id)
}

func (m *Manager) ensureLocked(id string) *Room {
	r, ok := m.rooms[id]
	if !ok {
		r = &Room{ID: id, Capacity: m.capacity, CreatedAt: m.now()}
		m.rooms[id] = r
	}
	return r
}

// Get returns a room by ID.
func (m *Manager) Get(id string) (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return Room{}, false
	}
	return *r, true
}

// Validate reports why a client may not join id, or "" if it may.
func (m *Manager) Validate(id string) string {
	if len(id) > MaxIDLength || !validID.MatchString(id) {
		return "invalid room_id"
	}
	if r, ok := m.Get(id); ok && r.IsFull() {
		return "room is full"
	}
	return ""
}

// AddActive adjusts a room's live connection count.
func (m *Manager) AddActive(id string, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.ensureLocked(id)
	r.ActiveConns += delta
	if r.ActiveConns < 0 {
		r.ActiveConns = 0
	}
}

// List returns all rooms sorted by active connections (descending),
// then by ID.
func (m *Manager) List() []Room {
	m.mu.RLock()
	result := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		result = append(result, *r)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ActiveConns != result[j].ActiveConns {
			return result[i].ActiveConns > result[j].ActiveConns
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Delete removes a room by ID.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()
}
