// Package reaction keeps per-message emoji tallies for the active room.
package reaction

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Action is the direction of a reaction change.
type Action string

const (
	Add    Action = "add"
	Remove Action = "remove"
)

// Reaction is one (message, user, emoji) tuple as stored durably.
type Reaction struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// Tally is the aggregated view of one emoji on one message.
type Tally struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// Aggregator stores reactions as messageID -> emoji -> set of users. The
// count of an emoji is always the size of its user set and emojis with no
// users are removed.
type Aggregator struct {
	mu    sync.RWMutex
	byMsg map[string]map[string]map[string]struct{}
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byMsg: make(map[string]map[string]map[string]struct{})}
}

// Apply adds or removes userID from the emoji set of messageID. Adding a
// present user and removing an absent one are no-ops. It reports whether
// anything changed.
func (a *Aggregator) Apply(messageID, userID, emoji string, action Action) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch action {
	case Add:
		emojis := a.byMsg[messageID]
		if emojis == nil {
			emojis = make(map[string]map[string]struct{})
			a.byMsg[messageID] = emojis
		}
		users := emojis[emoji]
		if users == nil {
			users = make(map[string]struct{})
			emojis[emoji] = users
		}
		if _, ok := users[userID]; ok {
			return false
		}
		users[userID] = struct{}{}
		return true
	case Remove:
		users, ok := a.byMsg[messageID][emoji]
		if !ok {
			return false
		}
		if _, ok := users[userID]; !ok {
			return false
		}
		delete(users, userID)
		if len(users) == 0 {
			delete(a.byMsg[messageID], emoji)
			if len(a.byMsg[messageID]) == 0 {
				delete(a.byMsg, messageID)
			}
		}
		return true
	}
	return false
}

// Load seeds the aggregator from durable rows.
func (a *Aggregator) Load(rows []Reaction) {
	for _, r := range rows {
		a.Apply(r.MessageID, r.UserID, r.Emoji, Add)
	}
}

// Has reports whether userID currently reacted with emoji on messageID.
func (a *Aggregator) Has(messageID, userID, emoji string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.byMsg[messageID][emoji][userID]
	return ok
}

// Toggle decides the direction of a click from current local membership.
// The decision is made once, before any network call.
func (a *Aggregator) Toggle(messageID, userID, emoji string) Action {
	if a.Has(messageID, userID, emoji) {
		return Remove
	}
	return Add
}

// Tallies returns the aggregated reactions for messageID with users sorted.
// The map is empty, never nil, when the message has no reactions.
func (a *Aggregator) Tallies(messageID string) map[string]Tally {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Tally, len(a.byMsg[messageID]))
	for emoji, users := range a.byMsg[messageID] {
		names := lo.Keys(users)
		sort.Strings(names)
		out[emoji] = Tally{Count: len(names), Users: names}
	}
	return out
}

// Forget drops every reaction on messageID.
func (a *Aggregator) Forget(messageID string) {
	a.mu.Lock()
	delete(a.byMsg, messageID)
	a.mu.Unlock()
}
