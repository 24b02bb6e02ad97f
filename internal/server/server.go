package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/2212adrian/tukmol-chat/internal/ratelimit"
	"github.com/2212adrian/tukmol-chat/internal/room"
	"github.com/2212adrian/tukmol-chat/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const sweepInterval = time.Minute

// Server is the relay's HTTP server: the WebSocket endpoint plus a small
// read-only API.
type Server struct {
	addr    string
	mux     *http.ServeMux
	http    *http.Server
	rooms   *room.Manager
	hub     *ws.Hub
	limiter *ratelimit.IPLimiter

	maxConns     int
	idleTimeout  time.Duration
	roomCapacity int
	stopSweep    context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithMaxConns caps concurrent WebSocket connections.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

// WithIdleTimeout reaps connections that stay silent for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithUpgradeLimit allows at most n WebSocket upgrades per IP per window.
func WithUpgradeLimit(n int, window time.Duration) Option {
	return func(s *Server) {
		if n > 0 && window > 0 {
			s.limiter = ratelimit.NewIPLimiter(n, window)
		}
	}
}

// WithRoomCapacity caps connections per room.
func WithRoomCapacity(n int) Option {
	return func(s *Server) { s.roomCapacity = n }
}

// New creates a new Server listening on addr.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		mux:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rooms = room.NewManager(s.roomCapacity)
	s.hub = ws.NewHub(s.rooms.AddActive,
		ws.WithMaxConns(s.maxConns),
		ws.WithIdleTimeout(s.idleTimeout),
	)
	s.routes()
	s.http = &http.Server{Addr: addr, Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the server's routes, for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	if s.limiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopSweep = cancel
		go s.sweepLoop(ctx)
	}
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every relay connection, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	s.hub.ConnMgr().Shutdown()
	return s.http.Shutdown(ctx)
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	s.mux.HandleFunc("GET /api/rooms/{id}/presence", s.handleRoomPresence)
	s.mux.Handle("GET /ws", ws.NewHandler(s.hub, s.rooms.Validate, s.limiter))
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.ConnMgr().Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": stats.Active,
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rooms.List())
}

func (s *Server) handleRoomPresence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.rooms.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.hub.Presence(id))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
