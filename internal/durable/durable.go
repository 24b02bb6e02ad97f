// Package durable is the client's view of the persistent store: row
// operations on messages, message_reactions and message_reads, plus a
// change-feed of every write.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("durable: row not found")

// Op is the kind of write reported on the change-feed.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Table names a logical table.
type Table string

const (
	TableMessages  Table = "messages"
	TableReactions Table = "message_reactions"
	TableReads     Table = "message_reads"
)

// Change is one change-feed notification. Row holds the JSON of the row
// after the write, or before it for deletes.
type Change struct {
	Op     Op              `json:"op"`
	Table  Table           `json:"table"`
	RoomID string          `json:"room_id"`
	Row    json.RawMessage `json:"row"`
}

// Store is the set of durable operations the client issues.
type Store interface {
	// InsertMessage stores m and returns the stored row. Inserting an id
	// that already exists returns the existing row.
	InsertMessage(ctx context.Context, m *message.Message) (*message.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (*message.Message, error)
	SoftDeleteMessage(ctx context.Context, id, deletedByName string, at time.Time) (*message.Message, error)
	GetMessage(ctx context.Context, id string) (*message.Message, error)
	// MessagesBefore returns up to limit messages of roomID created before
	// the cursor, newest first.
	MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*message.Message, error)

	InsertReaction(ctx context.Context, r reaction.Reaction) error
	DeleteReaction(ctx context.Context, r reaction.Reaction) error
	Reactions(ctx context.Context, messageIDs []string) ([]reaction.Reaction, error)

	UpsertRead(ctx context.Context, m receipt.Marker) error
	Reads(ctx context.Context, roomID string) ([]receipt.Marker, error)
}

// Subscription is a live change-feed subscription.
type Subscription interface {
	Close() error
}

// Feed delivers changes for one room. Handlers run on the feed's own
// goroutine, one at a time, in the order the store published them.
type Feed interface {
	Subscribe(ctx context.Context, roomID string, handle func(Change)) (Subscription, error)
}

// Backend is a store that also provides a change-feed.
type Backend interface {
	Store
	Feed
}

func newChange(op Op, table Table, roomID string, row any) (Change, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return Change{}, err
	}
	return Change{Op: op, Table: table, RoomID: roomID, Row: data}, nil
}
