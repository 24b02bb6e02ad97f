// Package receipt tracks how far each user has read in the active room.
package receipt

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Marker is the durable read position of one user in one room.
type Marker struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Tracker holds one marker per user for the active room.
type Tracker struct {
	mu     sync.RWMutex
	self   string
	seenAt map[string]time.Time
}

// NewTracker creates a Tracker. self is excluded from SeenBy.
func NewTracker(self string) *Tracker {
	return &Tracker{
		self:   self,
		seenAt: make(map[string]time.Time),
	}
}

// Upsert records lastSeenAt for userID. Markers only move forward; an older
// value arriving late from either channel is ignored. It reports whether
// the marker advanced.
func (t *Tracker) Upsert(userID string, lastSeenAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.seenAt[userID]; ok && !lastSeenAt.After(cur) {
		return false
	}
	t.seenAt[userID] = lastSeenAt
	return true
}

// Load seeds the tracker from durable markers.
func (t *Tracker) Load(markers []Marker) {
	for _, m := range markers {
		t.Upsert(m.UserID, m.LastSeenAt)
	}
}

// SeenBy returns, sorted, the users other than self whose marker is at or
// after createdAt.
func (t *Tracker) SeenBy(createdAt time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := lo.Filter(lo.Keys(t.seenAt), func(u string, _ int) bool {
		return u != t.self && !t.seenAt[u].Before(createdAt)
	})
	sort.Strings(users)
	return users
}

// LastSeen returns the marker for userID.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.seenAt[userID]
	return at, ok
}
