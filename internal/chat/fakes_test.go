package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/durable"
	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/notify"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/realtime"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
	"github.com/2212adrian/tukmol-chat/internal/storage"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeHub is an in-memory relay: every frame sent on a broadcast channel
// is delivered synchronously to every open broadcast channel of the room,
// the sender's included, with room and author stamped. Tracked channels
// only receive presence snapshots.
type fakeHub struct {
	mu    sync.Mutex
	chans map[string][]*fakeChannel
}

func newHub() *fakeHub {
	return &fakeHub{chans: make(map[string][]*fakeChannel)}
}

// relay returns the Relay a user's coordinator dials.
func (h *fakeHub) relay(meta presence.Meta) *fakeRelay {
	return &fakeRelay{hub: h, meta: meta}
}

func (h *fakeHub) open(roomID string, meta presence.Meta, track bool, handle realtime.Handler) *fakeChannel {
	ch := &fakeChannel{hub: h, roomID: roomID, meta: meta, track: track, handle: handle}
	h.mu.Lock()
	h.chans[roomID] = append(h.chans[roomID], ch)
	h.mu.Unlock()
	if track {
		h.syncPresence(roomID)
	}
	return ch
}

func (h *fakeHub) closeChannel(ch *fakeChannel) {
	h.mu.Lock()
	list := h.chans[ch.roomID]
	for i, c := range list {
		if c == ch {
			h.chans[ch.roomID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	h.mu.Unlock()
	if ch.track {
		h.syncPresence(ch.roomID)
	}
}

func (h *fakeHub) members(roomID string) []*fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeChannel(nil), h.chans[roomID]...)
}

// deliver hands env to every broadcast channel of the room.
func (h *fakeHub) deliver(env event.Envelope) {
	for _, ch := range h.members(env.RoomID) {
		if !ch.track {
			ch.receive(env)
		}
	}
}

func (h *fakeHub) syncPresence(roomID string) {
	var conns []presence.Connection
	members := h.members(roomID)
	for i, ch := range members {
		if ch.track {
			conns = append(conns, presence.Connection{ConnID: string(rune('a' + i)), Meta: ch.meta})
		}
	}
	payload, _ := json.Marshal(event.PresencePayload{Connections: conns})
	env := event.Envelope{Type: event.TypePresenceSync, RoomID: roomID, Payload: payload}
	for _, ch := range members {
		if ch.track {
			ch.receive(env)
		}
	}
}

type fakeRelay struct {
	hub  *fakeHub
	meta presence.Meta
	fail error
}

func (r *fakeRelay) Subscribe(ctx context.Context, roomID string, handle realtime.Handler) (realtime.Channel, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	return r.hub.open(roomID, r.meta, false, handle), nil
}

func (r *fakeRelay) Track(ctx context.Context, roomID string, handle realtime.Handler) (realtime.Channel, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	return r.hub.open(roomID, r.meta, true, handle), nil
}

type fakeChannel struct {
	hub    *fakeHub
	roomID string
	meta   presence.Meta
	track  bool
	handle realtime.Handler

	mu     sync.Mutex
	sent   []event.Envelope
	closed bool
}

func (c *fakeChannel) receive(env event.Envelope) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.handle(env)
	}
}

func (c *fakeChannel) Send(ctx context.Context, env event.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrDisconnected
	}
	env.RoomID = c.roomID
	env.AuthorID = c.meta.UserID
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	c.hub.deliver(env)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.hub.closeChannel(c)
	}
	return nil
}

func (c *fakeChannel) Sent() []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Envelope(nil), c.sent...)
}

// fakeStore is an in-memory durable.Backend that publishes every write to
// its subscribers synchronously, as the change-feed would.
type fakeStore struct {
	mu        sync.Mutex
	msgs      map[string]*message.Message
	reactions map[reaction.Reaction]struct{}
	reads     map[string]receipt.Marker
	subs      map[string][]*fakeSub
	fail      error
	writes    int
}

type fakeSub struct {
	store  *fakeStore
	roomID string
	handle func(durable.Change)
	closed bool
}

func (s *fakeSub) Close() error {
	s.store.mu.Lock()
	s.closed = true
	s.store.mu.Unlock()
	return nil
}

func newStore() *fakeStore {
	return &fakeStore{
		msgs:      make(map[string]*message.Message),
		reactions: make(map[reaction.Reaction]struct{}),
		reads:     make(map[string]receipt.Marker),
		subs:      make(map[string][]*fakeSub),
	}
}

func (s *fakeStore) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// seed stores m without publishing.
func (s *fakeStore) seed(m *message.Message) {
	s.mu.Lock()
	s.msgs[m.ID] = m.Clone()
	s.mu.Unlock()
}

// emit publishes a change to the room's live subscribers.
func (s *fakeStore) emit(op durable.Op, table durable.Table, roomID string, row any) {
	data, _ := json.Marshal(row)
	ch := durable.Change{Op: op, Table: table, RoomID: roomID, Row: data}
	s.mu.Lock()
	var live []*fakeSub
	for _, sub := range s.subs[roomID] {
		if !sub.closed {
			live = append(live, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range live {
		sub.handle(ch)
	}
}

// write runs fn under the lock unless a failure is injected.
func (s *fakeStore) write(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.writes++
	fn()
	return nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, m *message.Message) (*message.Message, error) {
	var (
		stored *message.Message
		fresh  bool
	)
	err := s.write(func() {
		if existing, ok := s.msgs[m.ID]; ok {
			stored = existing.Clone()
			return
		}
		s.msgs[m.ID] = m.Clone()
		stored, fresh = m.Clone(), true
	})
	if err != nil {
		return nil, err
	}
	if fresh {
		s.emit(durable.OpInsert, durable.TableMessages, m.RoomID, stored)
	}
	return stored, nil
}

func (s *fakeStore) mutate(id string, fn func(*message.Message)) (*message.Message, error) {
	var out *message.Message
	err := s.write(func() {
		m, ok := s.msgs[id]
		if !ok {
			return
		}
		fn(m)
		out = m.Clone()
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, durable.ErrNotFound
	}
	s.emit(durable.OpUpdate, durable.TableMessages, out.RoomID, out)
	return out, nil
}

func (s *fakeStore) UpdateMessageContent(ctx context.Context, id, content string, at time.Time) (*message.Message, error) {
	return s.mutate(id, func(m *message.Message) {
		m.Content = content
		m.UpdatedAt = &at
	})
}

func (s *fakeStore) SoftDeleteMessage(ctx context.Context, id, name string, at time.Time) (*message.Message, error) {
	return s.mutate(id, func(m *message.Message) {
		m.DeletedAt = &at
		m.DeletedByName = name
	})
}

func (s *fakeStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *fakeStore) MessagesBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []*message.Message
	for _, m := range s.msgs {
		if m.RoomID == roomID && m.CreatedAt.Before(before) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) InsertReaction(ctx context.Context, r reaction.Reaction) error {
	if err := s.write(func() { s.reactions[r] = struct{}{} }); err != nil {
		return err
	}
	s.emit(durable.OpInsert, durable.TableReactions, r.RoomID, r)
	return nil
}

func (s *fakeStore) DeleteReaction(ctx context.Context, r reaction.Reaction) error {
	if err := s.write(func() { delete(s.reactions, r) }); err != nil {
		return err
	}
	s.emit(durable.OpDelete, durable.TableReactions, r.RoomID, r)
	return nil
}

func (s *fakeStore) Reactions(ctx context.Context, ids []string) ([]reaction.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []reaction.Reaction
	for r := range s.reactions {
		if want[r.MessageID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) UpsertRead(ctx context.Context, m receipt.Marker) error {
	if err := s.write(func() { s.reads[m.RoomID+"/"+m.UserID] = m }); err != nil {
		return err
	}
	s.emit(durable.OpUpdate, durable.TableReads, m.RoomID, m)
	return nil
}

func (s *fakeStore) Reads(ctx context.Context, roomID string) ([]receipt.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []receipt.Marker
	for _, m := range s.reads {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) Subscribe(ctx context.Context, roomID string, handle func(durable.Change)) (durable.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSub{store: s, roomID: roomID, handle: handle}
	s.subs[roomID] = append(s.subs[roomID], sub)
	return sub, nil
}

type recordingSink struct {
	mu      sync.Mutex
	banners []string
	system  []string
}

func (r *recordingSink) Banner(m *message.Message) {
	r.mu.Lock()
	r.banners = append(r.banners, m.ID)
	r.mu.Unlock()
}

func (r *recordingSink) System(m *message.Message) {
	r.mu.Lock()
	r.system = append(r.system, m.ID)
	r.mu.Unlock()
}

func (r *recordingSink) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.banners), len(r.system)
}

type fakePusher struct {
	sent chan notify.Push
	err  error
}

func (p *fakePusher) Send(ctx context.Context, push notify.Push) (*notify.PushResult, error) {
	p.sent <- push
	if p.err != nil {
		return nil, p.err
	}
	return &notify.PushResult{ID: "push-1", Recipients: 1}, nil
}

type fakeUploader struct {
	calls int
	err   error
}

func (u *fakeUploader) Upload(ctx context.Context, obj storage.Object) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "https://objects.example/" + obj.Name, nil
}

var errStoreDown = errors.New("store unavailable")
