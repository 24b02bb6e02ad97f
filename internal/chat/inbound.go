package chat

import (
	"errors"
	"log"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/metrics"
	"github.com/2212adrian/tukmol-chat/internal/notify"
)

const (
	dropStaleRoom = metrics.DropStaleRoom
	dropSelfEcho  = metrics.DropSelfEcho
	dropUndecoded = metrics.DropUndecoded
)

// OnRemoteEvent applies an inbound event to the active room. Events for
// any other room are dropped.
func (c *Coordinator) OnRemoteEvent(ev event.Event) {
	s := c.current()
	if s == nil {
		c.drop(dropStaleRoom, nil)
		return
	}
	c.dispatch(s, ev)
}

// dispatch is the single entry point for inbound events from s's
// subscriptions.
func (c *Coordinator) dispatch(s *session, ev event.Event) {
	m := event.Info(ev)
	if !c.isCurrent(s) || m.RoomID != s.roomID {
		c.drop(dropStaleRoom, nil)
		return
	}
	if m.Source == event.FromBroadcast && m.AuthorID == c.self.UserID && optimistic(ev) {
		c.drop(dropSelfEcho, nil)
		return
	}
	if c.apply(s, ev) {
		metrics.EventsApplied.WithLabelValues(m.Source.String(), kind(ev)).Inc()
	}
}

// optimistic reports whether the local user's own writes of this kind are
// applied before they are sent, so their broadcast echo carries nothing new.
// Typing has no optimistic counterpart: an echo means another session of
// the same user is typing.
func optimistic(ev event.Event) bool {
	switch ev.(type) {
	case event.TypingChange, event.PresenceSync:
		return false
	}
	return true
}

// apply merges ev into s's caches and reports whether anything changed.
// The local write path goes through the same merges.
func (c *Coordinator) apply(s *session, ev event.Event) bool {
	switch e := ev.(type) {
	case event.MessageInsert:
		if !s.messages.Insert(e.Message, message.ScrollIfNearBottom) {
			return false
		}
		c.content.Put(e.Message.ID, e.Message.Content, lastWrite(e.Message))
		if e.Message.AuthorID != c.self.UserID {
			c.incoming(s, e.Message)
		}
		return true

	case event.MessageEdit:
		ok, err := s.messages.ReplaceContent(e.MessageID, e.Content, e.UpdatedAt)
		if errors.Is(err, message.ErrNotFound) {
			// Not loaded; the edit will be visible once the page is.
			return false
		}
		if ok {
			c.content.Put(e.MessageID, e.Content, e.UpdatedAt)
		}
		return ok

	case event.MessageDelete:
		ok, err := s.messages.SoftDelete(e.MessageID, e.DeletedByName, e.DeletedAt)
		if err != nil {
			return false
		}
		if ok {
			c.content.Forget(e.MessageID)
		}
		return ok

	case event.ReactionChange:
		return s.reactions.Apply(e.Reaction.MessageID, e.Reaction.UserID, e.Reaction.Emoji, e.Action)

	case event.ReadsChanged:
		return s.reads.Upsert(e.Marker.UserID, e.Marker.LastSeenAt)

	case event.TypingChange:
		s.typing.RemoteTyping(e.Username, e.Typing)
		return true

	case event.PresenceSync:
		s.presence.Sync(e.Connections)
		return true
	}
	log.Printf("chat: unhandled event %T", ev)
	return false
}

// incoming runs the side effects of a newly stored remote message: one
// notification, and a read marker while the room is on screen.
func (c *Coordinator) incoming(s *session, m *message.Message) {
	c.notifier.OnIncoming(m)
	if v := c.notifier.Visibility(); v.Visible && v.FocusedRoom == s.roomID {
		go func() {
			if err := c.markSeen(s.ctx, s); err != nil {
				log.Printf("chat: mark seen after new message: %v", err)
			}
		}()
	}
}

func (c *Coordinator) drop(reason string, err error) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	if err != nil {
		log.Printf("chat: dropped event (%s): %v", reason, err)
	}
}

func metricWriteFailure(op string) {
	metrics.WriteFailures.WithLabelValues(op).Inc()
}

// SetVisibility records whether the client is on screen and which room it
// shows. Read markers only advance while visible.
func (c *Coordinator) SetVisibility(v notify.Visibility) {
	c.notifier.SetVisibility(v)
}

func kind(ev event.Event) string {
	switch ev.(type) {
	case event.MessageInsert:
		return "message_insert"
	case event.MessageEdit:
		return "message_edit"
	case event.MessageDelete:
		return "message_delete"
	case event.ReactionChange:
		return "reaction"
	case event.ReadsChanged:
		return "reads"
	case event.TypingChange:
		return "typing"
	case event.PresenceSync:
		return "presence"
	}
	return "unknown"
}

func lastWrite(m *message.Message) time.Time {
	if m.UpdatedAt != nil && m.UpdatedAt.After(m.CreatedAt) {
		return *m.UpdatedAt
	}
	return m.CreatedAt
}
