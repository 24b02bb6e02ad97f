// Package realtime is the client side of the relay: one WebSocket per
// room subscription, redialled with backoff if the relay drops it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"nhooyr.io/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
)

// ErrDisconnected is returned by Send while a channel is redialling.
var ErrDisconnected = errors.New("realtime: not connected")

// Handler receives every frame relayed to a channel. It runs on the
// channel's read goroutine and must not call Close on its own channel.
type Handler func(event.Envelope)

// Channel is an open relay subscription.
type Channel interface {
	Send(ctx context.Context, env event.Envelope) error
	Close() error
}

// Relay opens room subscriptions.
type Relay interface {
	// Subscribe opens a broadcast channel for roomID.
	Subscribe(ctx context.Context, roomID string, handle Handler) (Channel, error)
	// Track opens a presence channel for roomID that advertises the
	// caller and receives presence snapshots.
	Track(ctx context.Context, roomID string, handle Handler) (Channel, error)
}

// Client dials the relay as one user.
type Client struct {
	url        string
	meta       presence.Meta
	minBackoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff sets the first redial delay; later delays double up to a cap.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.minBackoff = d }
}

// NewClient returns a Client for the relay WebSocket at url.
func NewClient(url string, meta presence.Meta, opts ...Option) *Client {
	c := &Client{url: url, meta: meta, minBackoff: minBackoff}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe implements Relay.
func (c *Client) Subscribe(ctx context.Context, roomID string, handle Handler) (Channel, error) {
	return c.open(ctx, roomID, false, handle)
}

// Track implements Relay.
func (c *Client) Track(ctx context.Context, roomID string, handle Handler) (Channel, error) {
	return c.open(ctx, roomID, true, handle)
}

func (c *Client) open(ctx context.Context, roomID string, track bool, handle Handler) (*channel, error) {
	join, err := json.Marshal(event.JoinPayload{
		RoomID:      roomID,
		UserID:      c.meta.UserID,
		DisplayName: c.meta.DisplayName,
		AvatarURL:   c.meta.AvatarURL,
		Track:       track,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: encode join: %w", err)
	}
	hello, err := json.Marshal(event.Envelope{Type: event.TypeJoin, Payload: join})
	if err != nil {
		return nil, fmt.Errorf("realtime: encode join: %w", err)
	}

	ch := &channel{
		client: c,
		roomID: roomID,
		hello:  hello,
		handle: handle,
		done:   make(chan struct{}),
	}
	conn, err := ch.dial(ctx)
	if err != nil {
		return nil, err
	}
	ch.conn = conn
	ch.ctx, ch.cancel = context.WithCancel(context.Background())
	go ch.run()
	return ch, nil
}

type channel struct {
	client *Client
	roomID string
	hello  []byte
	handle Handler

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (ch *channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ch.client.url, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", ch.client.url, err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, ch.hello); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("realtime: join %s: %w", ch.roomID, err)
	}
	return conn, nil
}

// run reads frames until Close, redialling whenever the relay drops the
// connection.
func (ch *channel) run() {
	defer close(ch.done)
	backoff := ch.client.minBackoff
	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()

		if conn != nil {
			err := ch.readLoop(conn)
			if ch.ctx.Err() != nil {
				return
			}
			log.Printf("realtime: room %s connection lost: %v", ch.roomID, err)
			ch.setConn(nil)
		}

		select {
		case <-ch.ctx.Done():
			return
		case <-time.After(backoff):
		}

		next, err := ch.dial(ch.ctx)
		if err != nil {
			log.Printf("realtime: redial room %s: %v", ch.roomID, err)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = ch.client.minBackoff
		if !ch.setConn(next) {
			next.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// setConn swaps the live connection. It refuses a new connection once the
// channel is closed.
func (ch *channel) setConn(conn *websocket.Conn) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if conn != nil && ch.ctx.Err() != nil {
		return false
	}
	ch.conn = conn
	return true
}

func (ch *channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ch.ctx)
		if err != nil {
			return err
		}
		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("realtime: room %s: bad frame: %v", ch.roomID, err)
			continue
		}
		if env.Type == event.TypeError {
			var p event.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			log.Printf("realtime: room %s: relay error: %s", ch.roomID, p.Message)
			continue
		}
		ch.handle(env)
	}
}

// Send publishes env on the channel.
func (ch *channel) Send(ctx context.Context, env event.Envelope) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	env.RoomID = ch.roomID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", env.Type, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: send %s: %w", env.Type, err)
	}
	return nil
}

// Close closes the connection and waits for the read goroutine to exit,
// so no handler call happens after Close returns.
func (ch *channel) Close() error {
	ch.once.Do(func() {
		ch.mu.Lock()
		ch.cancel()
		conn := ch.conn
		ch.conn = nil
		ch.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	})
	<-ch.done
	return nil
}
