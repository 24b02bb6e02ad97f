package ws

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"

	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/metrics"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"nhooyr.io/websocket"
)

// Client is one relay WebSocket. A browser tab typically holds two: an
// untracked broadcast connection and a tracked presence connection.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	connID string
	roomID string
	track  bool
	meta   presence.Meta
	hub    *Hub
}

// Hub groups clients by room and fans frames out to them.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Client]struct{}
	conns  *ConnManager
	onJoin func(roomID string, delta int)
}

// NewHub creates a new Hub. The onJoin callback is called with +1/-1
// when a client joins or leaves a room.
func NewHub(onJoin func(roomID string, delta int), opts ...ConnManagerOption) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Client]struct{}),
		conns:  NewConnManager(opts...),
		onJoin: onJoin,
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// addClient registers a client in its room and starts its write pump.
// The returned context is cancelled when the client is removed; it is
// already cancelled if the connection manager refused the client.
func (h *Hub) addClient(c *Client) context.Context {
	ctx := h.conns.Add(c)
	if ctx.Err() != nil {
		return ctx
	}

	h.mu.Lock()
	if h.rooms[c.roomID] == nil {
		h.rooms[c.roomID] = make(map[*Client]struct{})
	}
	h.rooms[c.roomID][c] = struct{}{}
	h.mu.Unlock()

	if h.onJoin != nil {
		h.onJoin(c.roomID, 1)
	}
	if c.track {
		h.syncPresence(c.roomID)
	}
	return ctx
}

// removeClient unregisters a client from its room and stops its write pump.
func (h *Hub) removeClient(c *Client) {
	h.conns.Remove(c)

	h.mu.Lock()
	clients, ok := h.rooms[c.roomID]
	_, member := clients[c]
	if ok && member {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	h.mu.Unlock()

	if !member {
		return
	}
	if h.onJoin != nil {
		h.onJoin(c.roomID, -1)
	}
	if c.track {
		h.syncPresence(c.roomID)
	}
}

// Relay sends env to every broadcast (untracked) client in its room, the
// sender's included. Tracked clients only receive presence snapshots.
func (h *Hub) Relay(env event.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("ws: failed to marshal envelope: %v", err)
		return
	}
	metrics.RelayFrames.WithLabelValues(string(env.Type)).Inc()
	for _, c := range h.targets(env.RoomID, false) {
		h.conns.Send(c, data)
	}
}

// Presence returns the tracked connections of a room ordered by connection id.
func (h *Hub) Presence(roomID string) []presence.Connection {
	tracked := h.targets(roomID, true)
	out := make([]presence.Connection, 0, len(tracked))
	for _, c := range tracked {
		out = append(out, presence.Connection{ConnID: c.connID, Meta: c.meta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// syncPresence pushes the room's full presence snapshot to its tracked clients.
func (h *Hub) syncPresence(roomID string) {
	payload, err := json.Marshal(event.PresencePayload{Connections: h.Presence(roomID)})
	if err != nil {
		log.Printf("ws: failed to marshal presence: %v", err)
		return
	}
	data, err := json.Marshal(event.Envelope{Type: event.TypePresenceSync, RoomID: roomID, Payload: payload})
	if err != nil {
		log.Printf("ws: failed to marshal presence envelope: %v", err)
		return
	}
	for _, c := range h.targets(roomID, true) {
		h.conns.Send(c, data)
	}
}

// targets copies the room's tracked or untracked clients so sends happen
// without the lock.
func (h *Hub) targets(roomID string, tracked bool) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := h.rooms[roomID]
	out := make([]*Client, 0, len(clients))
	for c := range clients {
		if c.track != tracked {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of connected clients in a room.
func (h *Hub) ClientCount(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
