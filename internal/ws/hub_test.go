package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/event"
	"github.com/2212adrian/tukmol-chat/internal/presence"
	"nhooyr.io/websocket"
)

// newTestServer starts an httptest.Server that upgrades to WebSocket and
// registers each connection in the hub under roomID. Connections are
// named conn-1, conn-2, ... in accept order and belong to user-1, user-2, ...
func newTestServer(t *testing.T, hub *Hub, roomID string, track bool) *httptest.Server {
	t.Helper()
	var counter atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}

		n := counter.Add(1)
		client := &Client{
			conn:   conn,
			connID: "conn-" + string(rune('0'+n)),
			roomID: roomID,
			track:  track,
			meta:   presence.Meta{UserID: "user-" + string(rune('0'+n)), DisplayName: "tester"},
			hub:    hub,
		}
		connCtx := hub.addClient(client)
		defer hub.removeClient(client)

		for {
			select {
			case <-connCtx.Done():
				return
			default:
			}
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) event.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	return env
}

func typingEnvelope(roomID string) event.Envelope {
	payload, _ := json.Marshal(event.TypingPayload{Username: "alice", IsTyping: true})
	return event.Envelope{Type: event.TypeTyping, RoomID: roomID, AuthorID: "user-1", Payload: payload}
}

func TestHubAddRemoveClient(t *testing.T) {
	var joins atomic.Int32
	hub := NewHub(func(roomID string, delta int) {
		joins.Add(int32(delta))
	})

	ts := newTestServer(t, hub, "room1", false)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return hub.ClientCount("room1") == 1 })
	if joins.Load() != 1 {
		t.Fatalf("expected onJoin called with +1, got %d", joins.Load())
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ClientCount("room1") == 0 })
	if joins.Load() != 0 {
		t.Fatalf("expected net joins to be 0, got %d", joins.Load())
	}
}

func TestHubRelay(t *testing.T) {
	hub := NewHub(nil)

	ts := newTestServer(t, hub, "room1", false)
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ClientCount("room1") == 1 })

	hub.Relay(typingEnvelope("room1"))

	env := readEnvelope(t, conn)
	if env.Type != event.TypeTyping {
		t.Fatalf("expected type typing, got %q", env.Type)
	}
	if env.RoomID != "room1" || env.AuthorID != "user-1" {
		t.Errorf("unexpected stamps room=%q author=%q", env.RoomID, env.AuthorID)
	}
	var p event.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload error: %v", err)
	}
	if p.Username != "alice" || !p.IsTyping {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestHubRelayIsolation(t *testing.T) {
	hub := NewHub(nil)

	ts1 := newTestServer(t, hub, "room1", false)
	defer ts1.Close()
	ts2 := newTestServer(t, hub, "room2", false)
	defer ts2.Close()

	conn1 := dialWS(t, ts1.URL)
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dialWS(t, ts2.URL)
	defer conn2.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return hub.ClientCount("room1") == 1 && hub.ClientCount("room2") == 1 })

	hub.Relay(typingEnvelope("room1"))
	readEnvelope(t, conn1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, _, err := conn2.Read(ctx); err == nil {
		t.Fatal("room2 client should not receive room1 frames")
	}
}

func TestHubRelaySkipsTrackedClients(t *testing.T) {
	hub := NewHub(nil)

	tracked := newTestServer(t, hub, "room1", true)
	defer tracked.Close()
	untracked := newTestServer(t, hub, "room1", false)
	defer untracked.Close()

	watcher := dialWS(t, tracked.URL)
	defer watcher.Close(websocket.StatusNormalClosure, "")
	if env := readEnvelope(t, watcher); env.Type != event.TypePresenceSync {
		t.Fatalf("expected presence_sync, got %q", env.Type)
	}
	listener := dialWS(t, untracked.URL)
	defer listener.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ClientCount("room1") == 2 })

	hub.Relay(typingEnvelope("room1"))
	if env := readEnvelope(t, listener); env.Type != event.TypeTyping {
		t.Fatalf("expected typing on the broadcast connection, got %q", env.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, data, err := watcher.Read(ctx); err == nil {
		t.Fatalf("tracked connection should only receive presence, got %s", data)
	}
}

func TestHubClientCountEmpty(t *testing.T) {
	hub := NewHub(nil)
	if hub.ClientCount("nonexistent") != 0 {
		t.Fatal("expected 0 for nonexistent room")
	}
	if got := hub.Presence("nonexistent"); len(got) != 0 {
		t.Fatalf("expected empty presence, got %v", got)
	}
}

func TestHubPresenceSyncOnTrackedJoinAndLeave(t *testing.T) {
	hub := NewHub(nil)

	ts := newTestServer(t, hub, "room1", true)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL)
	defer conn1.Close(websocket.StatusNormalClosure, "")

	env := readEnvelope(t, conn1)
	if env.Type != event.TypePresenceSync {
		t.Fatalf("expected presence_sync, got %q", env.Type)
	}
	var p event.PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal presence error: %v", err)
	}
	if len(p.Connections) != 1 || p.Connections[0].UserID != "user-1" {
		t.Fatalf("expected user-1 alone, got %+v", p.Connections)
	}

	conn2 := dialWS(t, ts.URL)
	env = readEnvelope(t, conn1)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal presence error: %v", err)
	}
	if len(p.Connections) != 2 {
		t.Fatalf("expected 2 connections after second join, got %d", len(p.Connections))
	}

	conn2.Close(websocket.StatusNormalClosure, "")
	env = readEnvelope(t, conn1)
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal presence error: %v", err)
	}
	if len(p.Connections) != 1 {
		t.Fatalf("expected 1 connection after leave, got %d", len(p.Connections))
	}
}

func TestHubUntrackedJoinSendsNoPresence(t *testing.T) {
	hub := NewHub(nil)

	tracked := newTestServer(t, hub, "room1", true)
	defer tracked.Close()
	untracked := newTestServer(t, hub, "room1", false)
	defer untracked.Close()

	watcher := dialWS(t, tracked.URL)
	defer watcher.Close(websocket.StatusNormalClosure, "")
	readEnvelope(t, watcher)

	conn := dialWS(t, untracked.URL)
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return hub.ClientCount("room1") == 2 })

	if got := hub.Presence("room1"); len(got) != 1 {
		t.Fatalf("expected only the tracked connection in presence, got %d", len(got))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, _, err := watcher.Read(ctx); err == nil {
		t.Fatal("untracked join should not trigger presence_sync")
	}
}
