// Package chat is the client's reconciliation engine. A Coordinator owns
// the caches of the active room and merges the local user's optimistic
// writes with the two inbound channels, the relay broadcast and the
// durable change-feed, so duplicate and reordered deliveries converge.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/contentcache"
	"github.com/2212adrian/tukmol-chat/internal/durable"
	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/message"
	"github.com/2212adrian/tukmol-chat/internal/notify"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"github.com/2212adrian/tukmol-chat/internal/ratelimit"
	"github.com/2212adrian/tukmol-chat/internal/reaction"
	"github.com/2212adrian/tukmol-chat/internal/realtime"
	"github.com/2212adrian/tukmol-chat/internal/receipt"
	"github.com/2212adrian/tukmol-chat/internal/storage"
	"github.com/2212adrian/tukmol-chat/internal/typing"
)

var (
	// ErrRateLimited is returned when the send throttle rejects a message.
	ErrRateLimited = errors.New("chat: rate limited")
	// ErrValidation wraps input rejected before any network call.
	ErrValidation = errors.New("chat: validation failed")
	// ErrNoRoom is returned by room operations while no room is active.
	ErrNoRoom = errors.New("chat: no active room")
)

// DefaultPageSize is the number of messages per history page.
const DefaultPageSize = 50

// Identity is the local user.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Style       string
}

// Level grades a Notice.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Notice is a non-blocking message for the user, typically a failed
// network call.
type Notice struct {
	Level Level
	Text  string
	Err   error
}

// Pusher delivers push notifications to offline devices.
type Pusher interface {
	Send(ctx context.Context, p notify.Push) (*notify.PushResult, error)
}

// Coordinator is the reconciliation engine for one user.
type Coordinator struct {
	self     Identity
	store    durable.Backend
	relay    realtime.Relay
	uploader storage.Uploader
	push     Pusher
	notices  func(Notice)
	now      func() time.Time

	pageSize    int
	maxMessages int
	typingOpts  []typing.Option

	limiter  *ratelimit.SendLimiter
	content  *contentcache.Cache
	notifier *notify.Dispatcher

	// switchMu serializes EnterRoom and LeaveRoom.
	switchMu sync.Mutex

	mu   sync.Mutex
	sess *session
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now for timestamps and throttling.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotices receives user-visible notices. Calls are synchronous.
func WithNotices(fn func(Notice)) Option {
	return func(c *Coordinator) { c.notices = fn }
}

// WithUploader sets the object store used by Upload.
func WithUploader(u storage.Uploader) Option {
	return func(c *Coordinator) { c.uploader = u }
}

// WithPush sends a push notification after every successful send.
func WithPush(p Pusher) Option {
	return func(c *Coordinator) { c.push = p }
}

// WithSink shows notifications for incoming messages.
func WithSink(sink notify.Sink, horizon time.Duration) Option {
	return func(c *Coordinator) {
		c.notifier = notify.NewDispatcher(c.self.UserID, sink, horizon)
	}
}

// WithSendLimiter replaces the default 5-per-second send throttle.
func WithSendLimiter(l *ratelimit.SendLimiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithPageSize sets the history page size.
func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithMaxMessages caps the messages kept per room. 0 keeps everything.
func WithMaxMessages(n int) Option {
	return func(c *Coordinator) { c.maxMessages = n }
}

// WithTyping passes options to each room's typing coordinator.
func WithTyping(opts ...typing.Option) Option {
	return func(c *Coordinator) { c.typingOpts = append(c.typingOpts, opts...) }
}

// New creates a Coordinator for self over a durable backend and a relay.
func New(self Identity, store durable.Backend, relay realtime.Relay, opts ...Option) *Coordinator {
	c := &Coordinator{
		self:     self,
		store:    store,
		relay:    relay,
		now:      time.Now,
		pageSize: DefaultPageSize,
		content:  contentcache.New(),
	}
	c.notifier = notify.NewDispatcher(self.UserID, nil, notify.DefaultHorizon)
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewSendLimiter(
			ratelimit.DefaultSendLimit,
			ratelimit.DefaultSendWindow,
			ratelimit.DefaultSendCooldown,
			ratelimit.WithClock(c.now),
		)
	}
	return c
}

// session is everything bound to one active room. Its pointer is the room
// token: callbacks capture their session and are dropped once it is no
// longer current.
type session struct {
	roomID string

	messages  *message.Store
	reactions *reaction.Aggregator
	reads     *receipt.Tracker
	presence  *presence.Tracker
	typing    *typing.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	subMu      sync.Mutex
	broadcast  realtime.Channel
	presenceCh realtime.Channel
	feed       durable.Subscription
}

func (c *Coordinator) newSession(roomID string) *session {
	s := &session{
		roomID:    roomID,
		messages:  message.NewStore(c.maxMessages),
		reactions: reaction.NewAggregator(),
		reads:     receipt.NewTracker(c.self.UserID),
		presence:  presence.NewTracker(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.typing = typing.New(c.self.DisplayName, func(on bool) {
		c.broadcast(s.ctx, s, event.TypingChange{
			Meta:     c.meta(s),
			Username: c.self.DisplayName,
			Typing:   on,
		})
	}, c.typingOpts...)
	return s
}

// current returns the active session, or nil.
func (c *Coordinator) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Coordinator) isCurrent(s *session) bool {
	return s != nil && c.current() == s
}

func (c *Coordinator) active() (*session, error) {
	s := c.current()
	if s == nil {
		return nil, ErrNoRoom
	}
	return s, nil
}

func (c *Coordinator) meta(s *session) event.Meta {
	return event.Meta{RoomID: s.roomID, AuthorID: c.self.UserID, Source: event.FromLocal}
}

// EnterRoom makes roomID the active room. Any previous session is torn
// down completely before the new one is set up, and the new session's
// token is recorded before its subscriptions open. The newest page of
// history, its reactions and the room's read markers are loaded, then the
// room is marked seen.
func (c *Coordinator) EnterRoom(ctx context.Context, roomID string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.teardown(c.swap(nil))

	s := c.newSession(roomID)
	c.swap(s)

	if err := c.subscribe(ctx, s); err != nil {
		c.teardown(c.swap(nil))
		return fmt.Errorf("chat: enter room %s: %w", roomID, err)
	}
	log.Printf("chat: entered room %s", roomID)

	if err := c.loadInitial(ctx, s); err != nil {
		return err
	}
	return c.MarkSeen(ctx)
}

// LeaveRoom tears down the active session, if any.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if old := c.swap(nil); old != nil {
		c.teardown(old)
		log.Printf("chat: left room %s", old.roomID)
	}
	return nil
}

// swap installs next as the active session and returns the previous one.
func (c *Coordinator) swap(next *session) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.sess
	c.sess = next
	return prev
}

func (c *Coordinator) subscribe(ctx context.Context, s *session) error {
	feed, err := c.store.Subscribe(ctx, s.roomID, func(ch durable.Change) {
		ev, err := event.FromChange(ch)
		if err != nil {
			c.drop(dropUndecoded, err)
			return
		}
		c.dispatch(s, ev)
	})
	if err != nil {
		return fmt.Errorf("change feed: %w", err)
	}
	s.subMu.Lock()
	s.feed = feed
	s.subMu.Unlock()

	onFrame := func(env event.Envelope) {
		ev, err := event.Decode(env)
		if err != nil {
			c.drop(dropUndecoded, err)
			return
		}
		c.dispatch(s, ev)
	}

	bc, err := c.relay.Subscribe(ctx, s.roomID, onFrame)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	s.subMu.Lock()
	s.broadcast = bc
	s.subMu.Unlock()

	pc, err := c.relay.Track(ctx, s.roomID, onFrame)
	if err != nil {
		return fmt.Errorf("presence: %w", err)
	}
	s.subMu.Lock()
	s.presenceCh = pc
	s.subMu.Unlock()
	return nil
}

// teardown stops typing, cancels the session's in-flight sends and closes
// its subscriptions, waiting for their callbacks to finish.
func (c *Coordinator) teardown(s *session) {
	if s == nil {
		return
	}
	s.typing.Stop()
	s.cancel()

	s.subMu.Lock()
	subs := []interface{ Close() error }{}
	if s.presenceCh != nil {
		subs = append(subs, s.presenceCh)
	}
	if s.broadcast != nil {
		subs = append(subs, s.broadcast)
	}
	if s.feed != nil {
		subs = append(subs, s.feed)
	}
	s.presenceCh, s.broadcast, s.feed = nil, nil, nil
	s.subMu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Printf("chat: close subscription for room %s: %v", s.roomID, err)
		}
	}
}

// broadcast publishes e on the session's broadcast channel. The channel is
// fire-and-forget; failures are logged only.
func (c *Coordinator) broadcast(ctx context.Context, s *session, e event.Event) {
	s.subMu.Lock()
	ch := s.broadcast
	s.subMu.Unlock()
	if ch == nil {
		return
	}
	env, err := event.Encode(e)
	if err != nil {
		log.Printf("chat: encode broadcast: %v", err)
		return
	}
	if err := ch.Send(ctx, env); err != nil && ctx.Err() == nil {
		log.Printf("chat: broadcast %s to room %s: %v", env.Type, s.roomID, err)
	}
}

// fail records a failed durable or storage call. While s is still the
// active session the failure becomes a notice and a wrapped error; a late
// failure from a previous room is silently dropped.
func (c *Coordinator) fail(s *session, op string, err error) error {
	if !c.isCurrent(s) {
		return nil
	}
	metricWriteFailure(op)
	log.Printf("chat: %s in room %s: %v", op, s.roomID, err)
	c.notify(Notice{Level: LevelError, Text: op + " failed", Err: err})
	return fmt.Errorf("chat: %s: %w", op, err)
}

func (c *Coordinator) notify(n Notice) {
	if c.notices != nil {
		c.notices(n)
	}
}

// Room returns the active room id, or "" when no room is active.
func (c *Coordinator) Room() string {
	if s := c.current(); s != nil {
		return s.roomID
	}
	return ""
}

// Messages returns the active room's messages, oldest first.
func (c *Coordinator) Messages() []*message.Message {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.messages.List()
}

// Message returns one message of the active room.
func (c *Coordinator) Message(id string) (*message.Message, bool) {
	s := c.current()
	if s == nil {
		return nil, false
	}
	return s.messages.Get(id)
}

// Reactions returns the reaction tallies of a message.
func (c *Coordinator) Reactions(messageID string) map[string]reaction.Tally {
	s := c.current()
	if s == nil {
		return map[string]reaction.Tally{}
	}
	return s.reactions.Tallies(messageID)
}

// SeenBy returns the other users who have seen a message.
func (c *Coordinator) SeenBy(messageID string) []string {
	s := c.current()
	if s == nil {
		return nil
	}
	m, ok := s.messages.Get(messageID)
	if !ok {
		return nil
	}
	return s.reads.SeenBy(m.CreatedAt)
}

// Online returns the active room's roster.
func (c *Coordinator) Online() []presence.Entry {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.presence.Roster()
}

// Typers returns the other users currently typing in the active room.
func (c *Coordinator) Typers() []string {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.typing.Typers()
}

// LatestContent returns the newest known content of a message, for
// prefilling an edit.
func (c *Coordinator) LatestContent(messageID string) (string, bool) {
	e, ok := c.content.Get(messageID)
	return e.Content, ok
}

// ScrollHint returns and clears the scroll hint left by inserts.
func (c *Coordinator) ScrollHint() message.ScrollHint {
	s := c.current()
	if s == nil {
		return message.ScrollNone
	}
	return s.messages.TakeScrollHint()
}

// HasOlder reports whether older history may remain.
func (c *Coordinator) HasOlder() bool {
	s := c.current()
	return s != nil && s.messages.HasMore()
}
