package ws

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/metrics"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"github.com/2212adrian/tukmol-chat/internal/ratelimit"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	joinTimeout  = 10 * time.Second
	maxFrameSize = 64 << 10
)

// RoomValidator checks whether a room ID is valid and the client is allowed
// to join. It returns an empty string on success or an error reason on failure.
type RoomValidator func(roomID string) string

// Handler upgrades relay connections and runs their read loops.
type Handler struct {
	hub          *Hub
	validateRoom RoomValidator
	limiter      *ratelimit.IPLimiter
}

// NewHandler creates a new WebSocket Handler. validateRoom and limiter may be nil.
func NewHandler(hub *Hub, validateRoom RoomValidator, limiter *ratelimit.IPLimiter) *Handler {
	return &Handler{
		hub:          hub,
		validateRoom: validateRoom,
		limiter:      limiter,
	}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket and relays the
// client's frames into its room until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		metrics.RelayRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxFrameSize)

	client := &Client{
		conn:   conn,
		connID: uuid.NewString(),
		hub:    h.hub,
	}
	if !h.handleJoin(r.Context(), client) {
		return
	}

	connCtx := h.hub.addClient(client)
	if connCtx.Err() != nil {
		return
	}
	defer h.hub.removeClient(client)

	log.Printf("ws: conn %s joined room %s as %s (track=%t)", client.connID, client.roomID, client.meta.UserID, client.track)
	h.readLoop(r.Context(), connCtx, client)
}

// handleJoin reads the first frame, which must be a join envelope.
func (h *Handler) handleJoin(ctx context.Context, client *Client) bool {
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	_, data, err := client.conn.Read(joinCtx)
	if err != nil {
		log.Printf("ws: read join error: %v", err)
		return false
	}

	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		closeWithError(client.conn, "invalid JSON")
		return false
	}
	if env.Type != event.TypeJoin {
		closeWithError(client.conn, "first message must be type 'join'")
		return false
	}

	var payload event.JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		closeWithError(client.conn, "invalid join payload")
		return false
	}
	payload.RoomID = strings.TrimSpace(payload.RoomID)
	payload.UserID = strings.TrimSpace(payload.UserID)
	if payload.RoomID == "" {
		closeWithError(client.conn, "room_id is required")
		return false
	}
	if payload.UserID == "" {
		closeWithError(client.conn, "user_id is required")
		return false
	}
	if h.validateRoom != nil {
		if reason := h.validateRoom(payload.RoomID); reason != "" {
			closeWithError(client.conn, reason)
			return false
		}
	}

	if payload.DisplayName == "" {
		payload.DisplayName = "anon-" + client.connID[:6]
	}
	client.roomID = payload.RoomID
	client.track = payload.Track
	client.meta = presence.Meta{
		UserID:      payload.UserID,
		DisplayName: payload.DisplayName,
		AvatarURL:   payload.AvatarURL,
	}
	return true
}

// readLoop relays frames from the client until the connection closes
// or the connection manager cancels connCtx.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		h.hub.ConnMgr().TouchActivity(client)

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(client, "invalid JSON")
			continue
		}
		if !event.Broadcastable(env.Type) {
			h.sendError(client, "unsupported envelope type '"+string(env.Type)+"'")
			continue
		}

		// Room and author always come from the handshake, never the client.
		env.RoomID = client.roomID
		env.AuthorID = client.meta.UserID
		h.hub.Relay(env)
	}
}

// sendError queues an error envelope for the client.
func (h *Handler) sendError(client *Client, msg string) {
	payload, err := json.Marshal(event.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	data, err := json.Marshal(event.Envelope{Type: event.TypeError, Payload: payload})
	if err != nil {
		return
	}
	h.hub.ConnMgr().Send(client, data)
}

func closeWithError(conn *websocket.Conn, reason string) {
	conn.Close(websocket.StatusPolicyViolation, reason)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
