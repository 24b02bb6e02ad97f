package durable

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
)

//go:embed schema.sql
var schema string

// notifyChannel carries changes for every room; subscribers filter by room.
const notifyChannel = "chat_changes"

const messageColumns = `id, room_id, author_id, author_meta, kind, content, attachments,
	coalesce(reply_to_id, ''), created_at, updated_at, deleted_at, coalesce(deleted_by_name, '')`

// PostgresStore keeps rows in the messages, message_reactions and
// message_reads tables. Each write sends pg_notify in the same transaction,
// so the change-feed only reports committed rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dbURL.
func OpenPostgres(ctx context.Context, dbURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func notify(ctx context.Context, tx pgx.Tx, op Op, table Table, roomID string, row any) error {
	payload, err := encodeNotification(op, table, roomID, row)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, payload)
	return err
}

func encodeNotification(op Op, table Table, roomID string, row any) (string, error) {
	ch, err := newChange(op, table, roomID, row)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(ch)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// deliverNotification decodes one pg_notify payload and hands it to handle
// when it belongs to roomID. Undecodable payloads are logged and dropped.
func deliverNotification(payload, roomID string, handle func(Change)) {
	var ch Change
	if err := json.Unmarshal([]byte(payload), &ch); err != nil {
		log.Printf("postgres: dropping undecodable change: %v", err)
		return
	}
	if ch.RoomID == roomID {
		handle(ch)
	}
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var m message.Message
	err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Author, &m.Kind, &m.Content, &m.Attachments,
		&m.ReplyToID, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt, &m.DeletedByName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage stores m, or returns the existing row for its id.
func (s *PostgresStore) InsertMessage(ctx context.Context, m *message.Message) (*message.Message, error) {
	var stored *message.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		attachments := m.Attachments
		if attachments == nil {
			attachments = []message.Attachment{}
		}
		row := tx.QueryRow(ctx, `INSERT INTO messages
			(id, room_id, author_id, author_meta, kind, content, attachments, reply_to_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), $9)
			ON CONFLICT (id) DO NOTHING
			RETURNING `+messageColumns,
			m.ID, m.RoomID, m.AuthorID, m.Author, m.Kind, m.Content, attachments, m.ReplyToID, m.CreatedAt)
		var err error
		stored, err = scanMessage(row)
		if errors.Is(err, ErrNotFound) {
			// Conflict: the row already exists.
			stored, err = scanMessage(tx.QueryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", m.ID))
			return err
		}
		if err != nil {
			return err
		}
		return notify(ctx, tx, OpInsert, TableMessages, stored.RoomID, stored)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert message: %w", err)
	}
	return stored, nil
}

// GetMessage loads one message row.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) updateMessage(ctx context.Context, query string, args ...any) (*message.Message, error) {
	var updated *message.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		updated, err = scanMessage(tx.QueryRow(ctx, query+" RETURNING "+messageColumns, args...))
		if err != nil {
			return err
		}
		return notify(ctx, tx, OpUpdate, TableMessages, updated.RoomID, updated)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update message: %w", err)
	}
	return updated, nil
}

// UpdateMessageContent sets new content and updated_at.
func (s *PostgresStore) UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (*message.Message, error) {
	return s.updateMessage(ctx, "UPDATE messages SET content = $2, updated_at = $3 WHERE id = $1", id, content, at)
}

// SoftDeleteMessage sets deleted_at and deleted_by_name once.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id, deletedByName string, at time.Time) (*message.Message, error) {
	return s.updateMessage(ctx, `UPDATE messages
		SET deleted_at = coalesce(deleted_at, $3), deleted_by_name = coalesce(deleted_by_name, $2)
		WHERE id = $1`, id, deletedByName, at)
}

// MessagesBefore returns up to limit messages created before the cursor,
// newest first.
func (s *PostgresStore) MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*message.Message, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+messageColumns+` FROM messages
		WHERE room_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, roomID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: select messages: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: select messages: %w", err)
	}
	return out, nil
}

// InsertReaction adds a reaction row; duplicates are ignored and not
// reported on the change-feed.
func (s *PostgresStore) InsertReaction(ctx context.Context, r reaction.Reaction) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO message_reactions (message_id, room_id, user_id, emoji)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`, r.MessageID, r.RoomID, r.UserID, r.Emoji)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		return notify(ctx, tx, OpInsert, TableReactions, r.RoomID, r)
	})
	if err != nil {
		return fmt.Errorf("postgres: insert reaction: %w", err)
	}
	return nil
}

// DeleteReaction removes a reaction row.
func (s *PostgresStore) DeleteReaction(ctx context.Context, r reaction.Reaction) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM message_reactions
			WHERE message_id = $1 AND user_id = $2 AND emoji = $3`, r.MessageID, r.UserID, r.Emoji)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		return notify(ctx, tx, OpDelete, TableReactions, r.RoomID, r)
	})
	if err != nil {
		return fmt.Errorf("postgres: delete reaction: %w", err)
	}
	return nil
}

// Reactions returns every reaction on the given messages.
func (s *PostgresStore) Reactions(ctx context.Context, messageIDs []string) ([]reaction.Reaction, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT room_id, message_id, user_id, emoji
		FROM message_reactions WHERE message_id = ANY($1)`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: select reactions: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[reaction.Reaction])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reactions: %w", err)
	}
	return out, nil
}

// UpsertRead writes the read marker for a user in a room.
func (s *PostgresStore) UpsertRead(ctx context.Context, m receipt.Marker) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO message_reads (room_id, user_id, last_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (room_id, user_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
			m.RoomID, m.UserID, m.LastSeenAt); err != nil {
			return err
		}
		return notify(ctx, tx, OpUpdate, TableReads, m.RoomID, m)
	})
	if err != nil {
		return fmt.Errorf("postgres: upsert read: %w", err)
	}
	return nil
}

// Reads returns all read markers of a room.
func (s *PostgresStore) Reads(ctx context.Context, roomID string) ([]receipt.Marker, error) {
	rows, err := s.pool.Query(ctx, `SELECT room_id, user_id, last_seen_at
		FROM message_reads WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: select reads: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByPos[receipt.Marker])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan reads: %w", err)
	}
	return out, nil
}

// Subscribe holds a pooled connection in LISTEN and forwards changes for
// roomID. It returns after LISTEN has been executed.
func (s *PostgresStore) Subscribe(ctx context.Context, roomID string, handle func(Change)) (Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}

	// The connection stays in LISTEN state; take it out of the pool.
	listener := conn.Hijack()

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer listener.Close(context.Background())
		for {
			n, err := listener.WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					log.Printf("postgres: change-feed for %s stopped: %v", roomID, err)
				}
				return
			}
			deliverNotification(n.Payload, roomID, handle)
		}
	}()
	return sub, nil
}

type pgSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops listening and waits for the delivery goroutine to exit.
func (s *pgSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
