package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/durable"
	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
)

// ErrUnknown is returned for envelopes or changes with no event mapping.
var ErrUnknown = errors.New("event: unknown type")

// Decode turns a broadcast envelope into a typed event.
func Decode(env Envelope) (Event, error) {
	meta := Meta{RoomID: env.RoomID, AuthorID: env.AuthorID, Source: FromBroadcast}

	switch env.Type {
	case TypeMessage:
		var m message.Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("event: decode message: %w", err)
		}
		if m.ID == "" {
			return nil, fmt.Errorf("event: message without id")
		}
		return MessageInsert{Meta: meta, Message: &m}, nil
	case TypeMessageEdited:
		var p EditPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("event: decode edit: %w", err)
		}
		return MessageEdit{Meta: meta, MessageID: p.MessageID, Content: p.Content, UpdatedAt: p.UpdatedAt}, nil
	case TypeMessageDeleted:
		var p DeletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("event: decode delete: %w", err)
		}
		return MessageDelete{Meta: meta, MessageID: p.MessageID, DeletedByName: p.DeletedByName, DeletedAt: p.DeletedAt}, nil
	case TypeTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("event: decode typing: %w", err)
		}
		return TypingChange{Meta: meta, Username: p.Username, Typing: p.IsTyping}, nil
	case TypeReaction:
		var p ReactionPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("event: decode reaction: %w", err)
		}
		if p.Action != reaction.Add && p.Action != reaction.Remove {
			return nil, fmt.Errorf("event: reaction action %q", p.Action)
		}
		return ReactionChange{
			Meta:     meta,
			Reaction: reaction.Reaction{RoomID: env.RoomID, MessageID: p.MessageID, UserID: p.UserID, Emoji: p.Emoji},
			Action:   p.Action,
		}, nil
	case TypeReadsUpdated:
		var p ReadsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("event: decode reads: %w", err)
		}
		return ReadsChanged{Meta: meta, Marker: receipt.Marker{RoomID: env.RoomID, UserID: p.UserID, LastSeenAt: p.LastSeenAt}}, nil
	case TypePresenceSync:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("event: decode presence: %w", err)
		}
		return PresenceSync{Meta: meta, Connections: p.Connections}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, env.Type)
}

// Encode builds the broadcast envelope for e. RoomID and AuthorID are
// copied from the event; the relay overwrites them with the sender's
// handshake values.
func Encode(e Event) (Envelope, error) {
	var (
		t       Type
		payload any
	)
	switch ev := e.(type) {
	case MessageInsert:
		t, payload = TypeMessage, ev.Message
	case MessageEdit:
		t, payload = TypeMessageEdited, EditPayload{MessageID: ev.MessageID, Content: ev.Content, UpdatedAt: ev.UpdatedAt}
	case MessageDelete:
		t, payload = TypeMessageDeleted, DeletePayload{MessageID: ev.MessageID, DeletedByName: ev.DeletedByName, DeletedAt: ev.DeletedAt}
	case TypingChange:
		t, payload = TypeTyping, TypingPayload{Username: ev.Username, IsTyping: ev.Typing}
	case ReactionChange:
		t, payload = TypeReaction, ReactionPayload{
			MessageID: ev.Reaction.MessageID,
			UserID:    ev.Reaction.UserID,
			Emoji:     ev.Reaction.Emoji,
			Action:    ev.Action,
		}
	case ReadsChanged:
		t, payload = TypeReadsUpdated, ReadsPayload{UserID: ev.Marker.UserID, LastSeenAt: ev.Marker.LastSeenAt}
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknown, e)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("event: encode %s: %w", t, err)
	}
	m := e.meta()
	return Envelope{Type: t, RoomID: m.RoomID, AuthorID: m.AuthorID, Payload: data}, nil
}

// FromChange turns a change-feed notification into a typed event.
// Message updates become an edit or a delete depending on the row; a hard
// delete of a message row is treated as a soft delete.
func FromChange(ch durable.Change) (Event, error) {
	meta := Meta{RoomID: ch.RoomID, Source: FromChangeFeed}

	switch ch.Table {
	case durable.TableMessages:
		var m message.Message
		if err := json.Unmarshal(ch.Row, &m); err != nil {
			return nil, fmt.Errorf("event: decode message row: %w", err)
		}
		meta.AuthorID = m.AuthorID
		switch ch.Op {
		case durable.OpInsert:
			return MessageInsert{Meta: meta, Message: &m}, nil
		case durable.OpUpdate:
			if m.DeletedAt != nil {
				return MessageDelete{Meta: meta, MessageID: m.ID, DeletedByName: m.DeletedByName, DeletedAt: *m.DeletedAt}, nil
			}
			if m.UpdatedAt == nil {
				return nil, fmt.Errorf("event: message update without updated_at")
			}
			return MessageEdit{Meta: meta, MessageID: m.ID, Content: m.Content, UpdatedAt: *m.UpdatedAt}, nil
		case durable.OpDelete:
			at := time.Now()
			if m.DeletedAt != nil {
				at = *m.DeletedAt
			}
			return MessageDelete{Meta: meta, MessageID: m.ID, DeletedByName: m.DeletedByName, DeletedAt: at}, nil
		}
	case durable.TableReactions:
		var r reaction.Reaction
		if err := json.Unmarshal(ch.Row, &r); err != nil {
			return nil, fmt.Errorf("event: decode reaction row: %w", err)
		}
		if r.RoomID == "" {
			r.RoomID = ch.RoomID
		}
		meta.AuthorID = r.UserID
		switch ch.Op {
		case durable.OpInsert:
			return ReactionChange{Meta: meta, Reaction: r, Action: reaction.Add}, nil
		case durable.OpDelete:
			return ReactionChange{Meta: meta, Reaction: r, Action: reaction.Remove}, nil
		}
	case durable.TableReads:
		var m receipt.Marker
		if err := json.Unmarshal(ch.Row, &m); err != nil {
			return nil, fmt.Errorf("event: decode read row: %w", err)
		}
		if m.RoomID == "" {
			m.RoomID = ch.RoomID
		}
		meta.AuthorID = m.UserID
		if ch.Op == durable.OpInsert || ch.Op == durable.OpUpdate {
			return ReadsChanged{Meta: meta, Marker: m}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrUnknown, ch.Op, ch.Table)
}
