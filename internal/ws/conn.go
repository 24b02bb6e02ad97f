package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/metrics"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 32

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second

	// pingTimeout bounds the wait for a pong.
	pingTimeout = 10 * time.Second
)

type connEntry struct {
	cancel     context.CancelFunc
	lastActive time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
	IdleReaped      int64
}

// ConnManager tracks every relay connection: buffered per-client send
// channels, a connection cap, idle reaping and graceful shutdown.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	closed   bool
	maxConns int
	idleTTL  time.Duration
	pingIvl  time.Duration
	stopIdle context.CancelFunc
	now      func() time.Time

	rejected        atomic.Int64
	droppedMessages atomic.Int64
	idleReaped      atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns caps concurrent connections. 0 means unlimited.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout closes connections that have neither sent a frame nor
// answered a ping for d. 0 disables idle reaping.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// WithPingInterval pings every connection each d; an answered ping counts
// as activity. It defaults to a third of the idle timeout.
func WithPingInterval(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.pingIvl = d
	}
}

// NewConnManager creates a new connection manager with optional configuration.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[*Client]*connEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.pingIvl == 0 && cm.idleTTL > 0 {
		cm.pingIvl = cm.idleTTL / 3
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned
// context is cancelled when the client is removed or the manager shuts
// down. It is returned already cancelled if the manager is closed or at
// capacity, in which case the WebSocket has been closed.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return cancelled()
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		metrics.RelayRejected.WithLabelValues("capacity").Inc()
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return cancelled()
	}

	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{cancel: cancel, lastActive: cm.now()}
	metrics.RelayConnections.Inc()

	go cm.writePump(ctx, c)
	if cm.pingIvl > 0 {
		go cm.pingLoop(ctx, c)
	}
	return ctx
}

func cancelled() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Remove stops a client's write pump. It is safe to call more than once.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
		close(c.send)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		metrics.RelayConnections.Dec()
	}
}

// Send queues a frame for the client. It returns false if the client's
// buffer is full or the client has already been removed.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		metrics.RelayDropped.Inc()
		log.Printf("ws: send buffer full for conn %s, dropping frame", c.connID)
		return false
	}
}

// TouchActivity marks the client active so the idle reaper skips it.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = cm.now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
		IdleReaped:      cm.idleReaped.Load(),
	}
}

// Shutdown closes every connection with StatusGoingAway and refuses new ones.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := cm.clients
	cm.clients = make(map[*Client]*connEntry)
	for c := range clients {
		close(c.send)
	}
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c, entry := range clients {
		entry.cancel()
		metrics.RelayConnections.Dec()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// pingLoop keeps a listen-only client alive: relay clients only write when
// their user acts, so a pong is the only sign of life between actions.
// Pongs are read by the handler's read loop.
func (cm *ConnManager) pingLoop(ctx context.Context, c *Client) {
	ticker := time.NewTicker(cm.pingIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("ws: ping conn %s: %v", c.connID, err)
			}
			continue
		}
		cm.TouchActivity(c)
	}
}

// reapIdle closes connections that have been idle longer than idleTTL.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := cm.now()
	stale := make(map[*Client]*connEntry)
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale[c] = entry
			delete(cm.clients, c)
			close(c.send)
		}
	}
	cm.mu.Unlock()

	for c, entry := range stale {
		entry.cancel()
		metrics.RelayConnections.Dec()
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Printf("ws: reaped idle conn %s (user %s)", c.connID, c.meta.UserID)
	}
}

// writePump drains the client's send channel onto the WebSocket until
// ctx is cancelled or the channel is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to conn %s failed: %v", c.connID, err)
				return
			}
		}
	}
}
