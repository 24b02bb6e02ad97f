// Package event decodes the loosely typed frames of the broadcast channel
// and the change-feed into one typed event per kind, so merge code never
// touches raw payloads.
package event

import (
	"encoding/json"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
)

// Type is the envelope type on the broadcast channel.
type Type string

const (
	TypeMessage        Type = "message"
	TypeMessageEdited  Type = "message_edited"
	TypeMessageDeleted Type = "message_deleted"
	TypeTyping         Type = "typing"
	TypeReaction       Type = "reaction"
	TypeReadsUpdated   Type = "reads_updated"

	// Relay control frames.
	TypeJoin         Type = "join"
	TypePresenceSync Type = "presence_sync"
	TypeError        Type = "error"
)

// Broadcastable reports whether clients may publish envelopes of type t.
func Broadcastable(t Type) bool {
	switch t {
	case TypeMessage, TypeMessageEdited, TypeMessageDeleted, TypeTyping, TypeReaction, TypeReadsUpdated:
		return true
	}
	return false
}

// Envelope is the JSON frame exchanged with the relay. The relay fills in
// RoomID and AuthorID from the connection's handshake.
type Envelope struct {
	Type     Type            `json:"type"`
	RoomID   string          `json:"room_id,omitempty"`
	AuthorID string          `json:"author_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Payloads carried by broadcast envelopes.
type (
	EditPayload struct {
		MessageID string    `json:"message_id"`
		Content   string    `json:"content"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	DeletePayload struct {
		MessageID     string    `json:"message_id"`
		DeletedByName string    `json:"deleted_by_name"`
		DeletedAt     time.Time `json:"deleted_at"`
	}
	TypingPayload struct {
		Username string `json:"username"`
		IsTyping bool   `json:"isTyping"`
	}
	ReactionPayload struct {
		MessageID string          `json:"message_id"`
		UserID    string          `json:"user_id"`
		Emoji     string          `json:"emoji"`
		Action    reaction.Action `json:"action"`
	}
	ReadsPayload struct {
		UserID     string    `json:"user_id"`
		LastSeenAt time.Time `json:"last_seen_at"`
	}
	PresencePayload struct {
		Connections []presence.Connection `json:"connections"`
	}
	ErrorPayload struct {
		Message string `json:"message"`
	}
	// JoinPayload is the first frame of every relay connection. Track asks
	// the relay to list the connection in presence snapshots.
	JoinPayload struct {
		RoomID      string `json:"room_id"`
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url,omitempty"`
		Track       bool   `json:"track"`
	}
)

// Source is the channel an event arrived on.
type Source int

const (
	FromLocal Source = iota
	FromBroadcast
	FromChangeFeed
)

func (s Source) String() string {
	switch s {
	case FromBroadcast:
		return "broadcast"
	case FromChangeFeed:
		return "change_feed"
	}
	return "local"
}

// Meta is common to every event.
type Meta struct {
	RoomID   string
	AuthorID string
	Source   Source
}

func (m Meta) meta() Meta { return m }

// Event is one of MessageInsert, MessageEdit, MessageDelete,
// ReactionChange, TypingChange, ReadsChanged or PresenceSync.
type Event interface {
	meta() Meta
}

// Info returns the common fields of e.
func Info(e Event) Meta { return e.meta() }

type (
	MessageInsert struct {
		Meta
		Message *message.Message
	}
	MessageEdit struct {
		Meta
		MessageID string
		Content   string
		UpdatedAt time.Time
	}
	MessageDelete struct {
		Meta
		MessageID     string
		DeletedByName string
		DeletedAt     time.Time
	}
	ReactionChange struct {
		Meta
		Reaction reaction.Reaction
		Action   reaction.Action
	}
	TypingChange struct {
		Meta
		Username string
		Typing   bool
	}
	ReadsChanged struct {
		Meta
		Marker receipt.Marker
	}
	PresenceSync struct {
		Meta
		Connections []presence.Connection
	}
)
