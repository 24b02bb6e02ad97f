package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
)

// opTimeout bounds every Redis round trip that has no deadline of its own.
const opTimeout = 2 * time.Second

func messageKey(id string) string          { return "message:" + id }
func reactionsKey(msgID string) string     { return "message:" + msgID + ":reactions" }
func roomMessagesKey(roomID string) string { return "room:" + roomID + ":messages" }
func roomReadsKey(roomID string) string    { return "room:" + roomID + ":reads" }
func roomChangesKey(roomID string) string  { return "room:" + roomID + ":changes" }

// reactionMember packs a user and emoji into one set member.
func reactionMember(userID, emoji string) string { return userID + "\x1f" + emoji }

// RedisStore keeps rows as JSON strings, indexes messages per room in a
// sorted set scored by creation time, and publishes every write on a
// per-room channel.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a RedisStore on client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// publish sends a change to the room channel. A failed publish is logged,
// not returned; the write itself already succeeded.
func (s *RedisStore) publish(ctx context.Context, op Op, table Table, roomID string, row any) {
	ch, err := newChange(op, table, roomID, row)
	if err != nil {
		log.Printf("redis: failed to marshal change: %v", err)
		return
	}
	data, err := json.Marshal(ch)
	if err != nil {
		log.Printf("redis: failed to marshal change: %v", err)
		return
	}
	if err := s.client.Publish(ctx, roomChangesKey(roomID), data).Err(); err != nil {
		log.Printf("redis: failed to publish %s on %s: %v", op, table, err)
	}
}

// InsertMessage stores m unless its id exists, in which case the stored
// row is returned unchanged and nothing is published.
func (s *RedisStore) InsertMessage(ctx context.Context, m *message.Message) (*message.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("redis: marshal message: %w", err)
	}
	created, err := s.client.SetNX(ctx, messageKey(m.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: insert message: %w", err)
	}
	if !created {
		return s.GetMessage(ctx, m.ID)
	}
	if err := s.client.ZAdd(ctx, roomMessagesKey(m.RoomID), redis.Z{Score: score(m.CreatedAt), Member: m.ID}).Err(); err != nil {
		return nil, fmt.Errorf("redis: index message: %w", err)
	}
	s.publish(ctx, OpInsert, TableMessages, m.RoomID, m)
	return m.Clone(), nil
}

// GetMessage loads one message row.
func (s *RedisStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get message: %w", err)
	}
	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("redis: decode message %s: %w", id, err)
	}
	return &m, nil
}

// mutateMessage applies fn to a message row inside a WATCH transaction and
// publishes an update when the row was written.
func (s *RedisStore) mutateMessage(ctx context.Context, id string, fn func(*message.Message)) (*message.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	key := messageKey(id)
	var updated message.Message
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return err
		}
		fn(&updated)
		out, err := json.Marshal(&updated)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.client.Watch(ctx, txf, key); !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: update message %s: %w", id, err)
	}
	s.publish(ctx, OpUpdate, TableMessages, updated.RoomID, &updated)
	return &updated, nil
}

// UpdateMessageContent sets new content and updated_at.
func (s *RedisStore) UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (*message.Message, error) {
	return s.mutateMessage(ctx, id, func(m *message.Message) {
		m.Content = content
		m.UpdatedAt = &at
	})
}

// SoftDeleteMessage sets deleted_at and deleted_by_name. Content and
// attachments stay in storage.
func (s *RedisStore) SoftDeleteMessage(ctx context.Context, id, deletedByName string, at time.Time) (*message.Message, error) {
	return s.mutateMessage(ctx, id, func(m *message.Message) {
		if m.DeletedAt == nil {
			m.DeletedAt = &at
			m.DeletedByName = deletedByName
		}
	})
}

// MessagesBefore returns up to limit messages created strictly before
// before, newest first.
func (s *RedisStore) MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*message.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	ids, err := s.client.ZRevRangeByScore(ctx, roomMessagesKey(roomID), &redis.ZRangeBy{
		Max:   "(" + strconv.FormatInt(before.UnixMicro(), 10),
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read room index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read messages: %w", err)
	}

	msgs := make([]*message.Message, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m message.Message
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			log.Printf("redis: skipping undecodable message %s: %v", ids[i], err)
			continue
		}
		msgs = append(msgs, &m)
	}
	return msgs, nil
}

// InsertReaction adds a reaction row. Re-inserting is a no-op and
// publishes nothing.
func (s *RedisStore) InsertReaction(ctx context.Context, r reaction.Reaction) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := s.client.SAdd(ctx, reactionsKey(r.MessageID), reactionMember(r.UserID, r.Emoji)).Result()
	if err != nil {
		return fmt.Errorf("redis: insert reaction: %w", err)
	}
	if n > 0 {
		s.publish(ctx, OpInsert, TableReactions, r.RoomID, r)
	}
	return nil
}

// DeleteReaction removes a reaction row.
func (s *RedisStore) DeleteReaction(ctx context.Context, r reaction.Reaction) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	n, err := s.client.SRem(ctx, reactionsKey(r.MessageID), reactionMember(r.UserID, r.Emoji)).Result()
	if err != nil {
		return fmt.Errorf("redis: delete reaction: %w", err)
	}
	if n > 0 {
		s.publish(ctx, OpDelete, TableReactions, r.RoomID, r)
	}
	return nil
}

// Reactions returns every reaction on the given messages.
func (s *RedisStore) Reactions(ctx context.Context, messageIDs []string) ([]reaction.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(messageIDs))
	for i, id := range messageIDs {
		cmds[i] = pipe.SMembers(ctx, reactionsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: read reactions: %w", err)
	}

	var out []reaction.Reaction
	for i, cmd := range cmds {
		for _, member := range cmd.Val() {
			user, emoji, ok := strings.Cut(member, "\x1f")
			if !ok {
				continue
			}
			out = append(out, reaction.Reaction{MessageID: messageIDs[i], UserID: user, Emoji: emoji})
		}
	}
	return out, nil
}

// UpsertRead writes the read marker for a user in a room.
func (s *RedisStore) UpsertRead(ctx context.Context, m receipt.Marker) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := s.client.HSet(ctx, roomReadsKey(m.RoomID), m.UserID, m.LastSeenAt.UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("redis: upsert read: %w", err)
	}
	s.publish(ctx, OpUpdate, TableReads, m.RoomID, m)
	return nil
}

// Reads returns all read markers of a room.
func (s *RedisStore) Reads(ctx context.Context, roomID string) ([]receipt.Marker, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	vals, err := s.client.HGetAll(ctx, roomReadsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read markers: %w", err)
	}
	out := make([]receipt.Marker, 0, len(vals))
	for user, v := range vals {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			log.Printf("redis: skipping bad read marker for %s: %v", user, err)
			continue
		}
		out = append(out, receipt.Marker{RoomID: roomID, UserID: user, LastSeenAt: at})
	}
	return out, nil
}

// Subscribe listens on the room's change channel. It returns once Redis
// has confirmed the subscription, so no write after Subscribe returns is
// missed.
func (s *RedisStore) Subscribe(ctx context.Context, roomID string, handle func(Change)) (Subscription, error) {
	ps := s.client.Subscribe(ctx, roomChangesKey(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", roomID, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go sub.run(handle)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) run(handle func(Change)) {
	defer close(s.done)
	for msg := range s.ps.Channel() {
		var ch Change
		if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
			log.Printf("redis: dropping undecodable change on %s: %v", msg.Channel, err)
			continue
		}
		handle(ch)
	}
}

// Close unsubscribes and waits for the delivery goroutine to finish, so no
// handler runs after Close returns.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ps.Close()
		<-s.done
	})
	return err
}
