package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/durable"
	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/notify"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
	"github.com/2212adrian/tukmol-chat/internal/storage"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const pushTimeout = 10 * time.Second

// Draft is a message the user is about to send.
type Draft struct {
	Content     string
	Kind        message.Kind
	Attachments []message.Attachment
	ReplyToID   string
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// SendMessage validates and throttles d, stores it locally, writes it to
// the durable store and broadcasts it. The message id is generated here,
// so the optimistic row, its echo and its change-feed insert share it.
// On a durable failure the optimistic row stays and the error is returned.
func (c *Coordinator) SendMessage(ctx context.Context, d Draft) (*message.Message, error) {
	s, err := c.active()
	if err != nil {
		return nil, err
	}
	content, err := message.NormalizeContent(d.Content, len(d.Attachments) > 0)
	if err != nil {
		return nil, invalid(err)
	}
	if !c.limiter.TryConsume() {
		wait := c.limiter.RetryAfter().Round(time.Second)
		c.notify(Notice{Level: LevelWarning, Text: fmt.Sprintf("Slow down! Try again in %v.", wait)})
		return nil, ErrRateLimited
	}

	msgKind := d.Kind
	if msgKind == "" {
		msgKind = message.KindText
	}
	m := &message.Message{
		ID:       uuid.NewString(),
		RoomID:   s.roomID,
		AuthorID: c.self.UserID,
		Author: message.AuthorMeta{
			DisplayName: c.self.DisplayName,
			AvatarURL:   c.self.AvatarURL,
			Style:       c.self.Style,
		},
		Kind:        msgKind,
		Content:     content,
		Attachments: d.Attachments,
		ReplyToID:   d.ReplyToID,
		CreatedAt:   c.now(),
	}
	s.messages.Insert(m, message.ScrollToBottom)
	c.content.Put(m.ID, m.Content, m.CreatedAt)

	if _, err := c.store.InsertMessage(ctx, m); err != nil {
		return m.Clone(), c.fail(s, "send message", err)
	}
	c.broadcast(ctx, s, event.MessageInsert{Meta: c.meta(s), Message: m})
	c.sendPush(s, m)
	return m.Clone(), nil
}

// sendPush notifies offline devices in the background. Failures become a
// warning and never fail the send.
func (c *Coordinator) sendPush(s *session, m *message.Message) {
	if c.push == nil {
		return
	}
	body := m.Content
	if body == "" {
		body = "sent an attachment"
	}
	p := notify.Push{
		Title:                c.self.DisplayName,
		Message:              body,
		URL:                  "/rooms/" + s.roomID,
		SenderExternalUserID: c.self.UserID,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if _, err := c.push.Send(ctx, p); err != nil {
			metricWriteFailure("push")
			log.Printf("chat: push for message %s: %v", m.ID, err)
			if c.isCurrent(s) {
				c.notify(Notice{Level: LevelWarning, Text: "push notification failed", Err: err})
			}
		}
	}()
}

// Upload checks obj against the attachment limits and stores it. The
// returned attachment goes into a Draft.
func (c *Coordinator) Upload(ctx context.Context, obj storage.Object) (message.Attachment, error) {
	if err := storage.Check(obj); err != nil {
		return message.Attachment{}, invalid(err)
	}
	if c.uploader == nil {
		return message.Attachment{}, errors.New("chat: no object storage configured")
	}
	url, err := c.uploader.Upload(ctx, obj)
	if err != nil {
		metricWriteFailure("upload")
		log.Printf("chat: upload %s: %v", obj.Name, err)
		c.notify(Notice{Level: LevelError, Text: "upload failed", Err: err})
		return message.Attachment{}, fmt.Errorf("chat: upload %s: %w", obj.Name, err)
	}
	return message.Attachment{URL: url, Kind: attachmentKind(obj.Kind), Name: obj.Name, Size: obj.Size}, nil
}

func attachmentKind(k storage.Kind) message.Kind {
	switch k {
	case storage.KindImage, storage.KindAvatar:
		return message.KindImage
	case storage.KindAudio:
		return message.KindAudio
	}
	return message.KindFile
}

// EditMessage replaces the content of one of the user's own messages.
// A message missing from the cache yields message.ErrNotFound; call
// RefetchMessage and retry.
func (c *Coordinator) EditMessage(ctx context.Context, id, content string) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	m, ok := s.messages.Get(id)
	if !ok {
		return fmt.Errorf("chat: edit message %s: %w", id, message.ErrNotFound)
	}
	content, err = message.NormalizeContent(content, false)
	if err != nil {
		return invalid(err)
	}
	now := c.now()
	if err := message.CanEdit(m, c.self.UserID, now); err != nil {
		return invalid(err)
	}
	if latest, ok := c.content.Get(id); ok && latest.Content == content {
		return nil
	}

	// Edits are last-write-wins on updatedAt, so it must move forward even
	// if the local clock lags the stored row.
	at := now
	if prev := lastWrite(m); !at.After(prev) {
		at = prev.Add(time.Millisecond)
	}
	if _, err := s.messages.ReplaceContent(id, content, at); err != nil {
		return fmt.Errorf("chat: edit message %s: %w", id, err)
	}
	c.content.Put(id, content, at)

	if _, err := c.store.UpdateMessageContent(ctx, id, content, at); err != nil {
		return c.fail(s, "edit message", err)
	}
	c.broadcast(ctx, s, event.MessageEdit{Meta: c.meta(s), MessageID: id, Content: content, UpdatedAt: at})
	return nil
}

// DeleteMessage soft-deletes one of the user's own messages.
func (c *Coordinator) DeleteMessage(ctx context.Context, id string) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	m, ok := s.messages.Get(id)
	if !ok {
		return fmt.Errorf("chat: delete message %s: %w", id, message.ErrNotFound)
	}
	now := c.now()
	if err := message.CanDelete(m, c.self.UserID, now); err != nil {
		return invalid(err)
	}

	if _, err := s.messages.SoftDelete(id, c.self.DisplayName, now); err != nil {
		return fmt.Errorf("chat: delete message %s: %w", id, err)
	}
	c.content.Forget(id)

	if _, err := c.store.SoftDeleteMessage(ctx, id, c.self.DisplayName, now); err != nil {
		return c.fail(s, "delete message", err)
	}
	c.broadcast(ctx, s, event.MessageDelete{Meta: c.meta(s), MessageID: id, DeletedByName: c.self.DisplayName, DeletedAt: now})
	return nil
}

// ToggleReaction adds the user's emoji to a message, or removes it if
// already present. The direction is decided from local state at the time
// of the call and returned.
func (c *Coordinator) ToggleReaction(ctx context.Context, messageID, emoji string) (reaction.Action, error) {
	s, err := c.active()
	if err != nil {
		return "", err
	}
	if emoji == "" {
		return "", invalid(errors.New("emoji is required"))
	}
	m, ok := s.messages.Get(messageID)
	if !ok {
		return "", fmt.Errorf("chat: react to %s: %w", messageID, message.ErrNotFound)
	}
	if m.Deleted() {
		return "", invalid(errors.New("message is deleted"))
	}

	action := s.reactions.Toggle(messageID, c.self.UserID, emoji)
	r := reaction.Reaction{RoomID: s.roomID, MessageID: messageID, UserID: c.self.UserID, Emoji: emoji}
	s.reactions.Apply(messageID, c.self.UserID, emoji, action)

	if action == reaction.Add {
		err = c.store.InsertReaction(ctx, r)
	} else {
		err = c.store.DeleteReaction(ctx, r)
	}
	if err != nil {
		return action, c.fail(s, "react", err)
	}
	c.broadcast(ctx, s, event.ReactionChange{Meta: c.meta(s), Reaction: r, Action: action})
	return action, nil
}

// MarkSeen advances the user's read marker in the active room to now. It
// does nothing while the client is not visible.
func (c *Coordinator) MarkSeen(ctx context.Context) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	return c.markSeen(ctx, s)
}

func (c *Coordinator) markSeen(ctx context.Context, s *session) error {
	if !c.notifier.Visibility().Visible {
		return nil
	}
	marker := receipt.Marker{RoomID: s.roomID, UserID: c.self.UserID, LastSeenAt: c.now()}
	if !s.reads.Upsert(marker.UserID, marker.LastSeenAt) {
		return nil
	}
	if err := c.store.UpsertRead(ctx, marker); err != nil {
		return c.fail(s, "mark seen", err)
	}
	c.broadcast(ctx, s, event.ReadsChanged{Meta: c.meta(s), Marker: marker})
	return nil
}

// Keystroke reports local typing activity.
func (c *Coordinator) Keystroke() {
	if s := c.current(); s != nil {
		s.typing.LocalTyping()
	}
}

// LoadOlder fetches the page before the oldest loaded message. Concurrent
// calls while a page is in flight, or after the last page, return 0.
func (c *Coordinator) LoadOlder(ctx context.Context) (int, error) {
	s, err := c.active()
	if err != nil {
		return 0, err
	}
	if !s.messages.BeginLoad() {
		return 0, nil
	}
	cursor, ok := s.messages.Cursor()
	if !ok {
		cursor = c.now()
	}
	added, hasMore, err := c.loadPage(ctx, s, cursor)
	s.messages.EndLoad(hasMore)
	return added, err
}

// loadPage fetches the page before cursor with its reactions.
func (c *Coordinator) loadPage(ctx context.Context, s *session, cursor time.Time) (int, bool, error) {
	rows, err := c.store.MessagesBefore(ctx, s.roomID, cursor, c.pageSize)
	if err != nil {
		return 0, true, c.fail(s, "load messages", err)
	}
	if !c.isCurrent(s) {
		return 0, true, nil
	}
	added := s.messages.Prepend(lo.Reverse(rows))
	hasMore := len(rows) == c.pageSize
	for _, m := range rows {
		if !m.Deleted() {
			c.content.Put(m.ID, m.Content, lastWrite(m))
		}
	}

	if len(rows) > 0 {
		ids := lo.Map(rows, func(m *message.Message, _ int) string { return m.ID })
		reactions, err := c.store.Reactions(ctx, ids)
		if err != nil {
			return added, hasMore, c.fail(s, "load reactions", err)
		}
		s.reactions.Load(reactions)
	}
	return added, hasMore, nil
}

// loadInitial loads the newest page, its reactions and the room's read
// markers.
func (c *Coordinator) loadInitial(ctx context.Context, s *session) error {
	if !s.messages.BeginLoad() {
		return nil
	}
	_, hasMore, err := c.loadPage(ctx, s, c.now().Add(time.Second))
	s.messages.EndLoad(hasMore)
	if err != nil {
		return err
	}
	return c.refreshReads(ctx, s)
}

func (c *Coordinator) refreshReads(ctx context.Context, s *session) error {
	markers, err := c.store.Reads(ctx, s.roomID)
	if err != nil {
		return c.fail(s, "load read receipts", err)
	}
	s.reads.Load(markers)
	return nil
}

// RefetchMessage loads one message from the durable store into the cache,
// so an edit or delete that failed with message.ErrNotFound can be retried.
func (c *Coordinator) RefetchMessage(ctx context.Context, id string) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	m, err := c.store.GetMessage(ctx, id)
	if errors.Is(err, durable.ErrNotFound) || (err == nil && m.RoomID != s.roomID) {
		return fmt.Errorf("chat: refetch %s: %w", id, message.ErrNotFound)
	}
	if err != nil {
		return c.fail(s, "refetch message", err)
	}
	if !c.isCurrent(s) {
		return nil
	}
	if s.messages.Insert(m, message.ScrollNone) {
		c.content.Put(m.ID, m.Content, lastWrite(m))
	}
	reactions, err := c.store.Reactions(ctx, []string{id})
	if err != nil {
		return c.fail(s, "load reactions", err)
	}
	s.reactions.Load(reactions)
	return nil
}

// RunReadPoller marks the room seen and refreshes read markers every
// interval while the client is visible, until ctx is done.
func (c *Coordinator) RunReadPoller(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s := c.current()
		if s == nil || !c.notifier.Visibility().Visible {
			continue
		}
		if err := c.markSeen(ctx, s); err != nil {
			continue
		}
		_ = c.refreshReads(ctx, s)
	}
}
