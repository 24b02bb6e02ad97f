// Package presence builds the online roster of a room from the relay's
// per-connection snapshots.
package presence

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Meta is what a connection advertises about its user.
type Meta struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Connection is one tracked connection in a presence snapshot. A user with
// several tabs open has several connections.
type Connection struct {
	ConnID string `json:"conn_id"`
	Meta
}

// Entry is one user on the roster.
type Entry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Tracker keeps the deduplicated roster of the active room.
type Tracker struct {
	mu     sync.RWMutex
	roster map[string]Entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{roster: make(map[string]Entry)}
}

// Sync replaces the roster with the users present in conns. Connections of
// the same user collapse into one entry; the first connection seen decides
// the display metadata. Users with no connections are absent.
func (t *Tracker) Sync(conns []Connection) []Entry {
	unique := lo.UniqBy(lo.Filter(conns, func(c Connection, _ int) bool {
		return c.UserID != ""
	}), func(c Connection) string {
		return c.UserID
	})

	roster := make(map[string]Entry, len(unique))
	for _, c := range unique {
		roster[c.UserID] = Entry{UserID: c.UserID, DisplayName: c.DisplayName, AvatarURL: c.AvatarURL}
	}

	t.mu.Lock()
	t.roster = roster
	t.mu.Unlock()
	return t.Roster()
}

// Roster returns the online users sorted by display name, then id.
func (t *Tracker) Roster() []Entry {
	t.mu.RLock()
	entries := lo.Values(t.roster)
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayName != entries[j].DisplayName {
			return entries[i].DisplayName < entries[j].DisplayName
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// Online reports whether userID has at least one connection.
func (t *Tracker) Online(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roster[userID]
	return ok
}
