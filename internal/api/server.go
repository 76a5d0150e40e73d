// Package api provides the HTTP API for watching a run.
// GET endpoints are public (read-only observation).
// The human may post into rooms open to them; control endpoints require a
// bearer token when an admin key is configured.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/gorilla/websocket"

	"github.com/talgya/cavesim/internal/agents"
	"github.com/talgya/cavesim/internal/chat"
	"github.com/talgya/cavesim/internal/engine"
)

const (
	maxWSConns          = 16
	defaultMessageLimit = 100
	wsWriteTimeout      = 10 * time.Second
)

// Server serves the simulation state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	Port     int
	AdminKey string // Bearer token for control endpoints. Empty = open.

	sendLimiter *RateLimiter
	upgrader    websocket.Upgrader
	wsConns     int32
	httpServer  *http.Server
}

// NewServer creates a server for sim driven by eng.
func NewServer(sim *engine.Simulation, eng *engine.Engine, port int, adminKey string) *Server {
	return &Server{
		Sim:         sim,
		Eng:         eng,
		Port:        port,
		AdminKey:    adminKey,
		sendLimiter: NewRateLimiter(20, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/rooms", s.handleRooms)
	mux.HandleFunc("/api/v1/rooms/", s.handleRoomRoutes)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/", s.handleAgentRoutes)
	mux.HandleFunc("/api/v1/trades", s.handleTrades)
	mux.HandleFunc("/api/v1/ws", s.handleWS)

	// Control endpoints (POST, bearer token when configured).
	mux.HandleFunc("/api/v1/control/", s.adminOnly(s.handleControl))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")
	if s.AdminKey == "" {
		slog.Warn("control endpoints are open (no admin key configured)")
	}

	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
		"http://localhost:8080": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth when an admin key
// is configured.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey != "" && !s.checkBearerToken(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// pathParts splits the URL path below /api/v1/: "/api/v1/rooms/x/send"
// becomes ["rooms", "x", "send"].
func pathParts(r *http.Request) []string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/"), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.Sim.Snapshot())
}

type roomView struct {
	chat.Room
	CanSpeak bool `json:"can_speak"`
}

// handleRooms lists every room; the human sees all of them.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	rooms := s.Sim.Chat.Rooms()
	out := make([]roomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomView{Room: room, CanSpeak: room.HumanJoined})
	}
	writeJSON(w, out)
}

// handleRoomRoutes dispatches /rooms/:id/messages and /rooms/:id/send.
func (s *Server) handleRoomRoutes(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r)
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	roomID := parts[1]
	switch parts[2] {
	case "messages":
		s.handleMessages(w, r, roomID)
	case "send":
		RateLimitMiddleware(s.sendLimiter, func(w http.ResponseWriter, r *http.Request) {
			s.handleSend(w, r, roomID)
		})(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if _, ok := s.Sim.Chat.Room(roomID); !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs := s.Sim.Chat.Recent(roomID, limit)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, roomID string) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg, err := s.Sim.HumanSend(roomID, req.Content)
	switch {
	case errors.Is(err, engine.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "empty message")
	case errors.Is(err, engine.ErrRoomNotJoinable):
		writeError(w, http.StatusForbidden, "you cannot speak in this room")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		slog.Info("human message", "room", roomID, "length", len(msg.Content))
		writeJSON(w, msg)
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	names := s.Sim.AgentNames()
	out := make([]agents.Status, 0, len(names))
	for _, name := range names {
		a, _ := s.Sim.Agent(name)
		out = append(out, a.Status())
	}
	writeJSON(w, out)
}

// handleAgentRoutes dispatches /agents/:name and /agents/:name/memory.
func (s *Server) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	parts := pathParts(r)
	if len(parts) < 2 || len(parts) > 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	name := parts[1]
	agent, ok := s.Sim.Agent(name)
	if !ok {
		resp := map[string]string{"error": "agent not found"}
		if guess := s.closestAgent(name); guess != "" {
			resp["suggestion"] = guess
		}
		writeJSONStatus(w, http.StatusNotFound, resp)
		return
	}

	if len(parts) == 2 {
		writeJSON(w, agent.Status())
		return
	}
	if parts[2] != "memory" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, map[string]any{
		"name":          agent.Name,
		"memory":        agent.Memories(),
		"relationships": agent.Relationships(),
	})
}

// closestAgent suggests the agent name nearest to a mistyped one, if any is
// close enough to be a plausible typo.
func (s *Server) closestAgent(name string) string {
	best, bestDist := "", -1
	lower := strings.ToLower(name)
	for _, cand := range s.Sim.AgentNames() {
		dist := levenshtein.ComputeDistance(lower, strings.ToLower(cand))
		if dist > max(2, len(cand)/3) {
			continue
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = cand, dist
		}
	}
	return best
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, s.Sim.Trades.All())
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	parts := pathParts(r)
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action := parts[1]; action {
	case "pause":
		s.Eng.Pause()
	case "resume":
		s.Eng.Resume()
	case "speed_up":
		s.Eng.SpeedUp()
	case "slow_down":
		s.Eng.SlowDown()
	case "stop":
		s.Eng.Stop()
	default:
		writeError(w, http.StatusBadRequest, "unknown action (use: pause, resume, speed_up, slow_down, stop)")
		return
	}

	clk := s.Sim.Clock()
	slog.Info("control", "action", parts[1], "paused", clk.Paused, "interval", clk.TickInterval)
	writeJSON(w, map[string]any{
		"status":        "ok",
		"running":       clk.Running,
		"paused":        clk.Paused,
		"tick_interval": clk.TickInterval.Seconds(),
	})
}

type wsFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleWS streams the state on connect, then every event followed by a
// fresh state once the subscriber's queue is drained.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.wsConns, 1)
	defer atomic.AddInt32(&s.wsConns, -1)
	if current > maxWSConns {
		writeError(w, http.StatusServiceUnavailable, "too many observers")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.Sim.Bus.Subscribe(256)
	defer cancel()

	// Reader: the client sends nothing we act on; a read error means it left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(f wsFrame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(f) == nil
	}

	if !write(wsFrame{Type: "state", Data: s.Sim.Snapshot()}) {
		return
	}
	slog.Debug("observer connected", "remote", r.RemoteAddr)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !write(wsFrame{Type: "event", Data: ev}) {
				return
			}
			if len(events) == 0 && !write(wsFrame{Type: "state", Data: s.Sim.Snapshot()}) {
				return
			}
		case <-gone:
			slog.Debug("observer disconnected", "remote", r.RemoteAddr)
			return
		}
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
