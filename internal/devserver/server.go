package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/nightvote/gamesync/internal/game"
)

// Server is an in-memory authoritative game server for local
// development and end-to-end tests. It implements a toy day/night
// progression so advance visibly mutates state; it is not the real
// rules engine.
type Server struct {
	token string

	mu       sync.Mutex
	sessions map[string]*game.Snapshot
	conns    map[string]map[*conn]bool

	upgrader websocket.Upgrader
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

// NewServer creates a dev server. token, when non-empty, is required
// in the websocket auth subprotocol handshake.
func NewServer(token string) *Server {
	return &Server{
		token:    token,
		sessions: make(map[string]*game.Snapshot),
		conns:    make(map[string]map[*conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"auth"},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// CreateSession seeds a new session with a small village and returns
// its snapshot.
func (s *Server) CreateSession(sessionID string) *game.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := &game.Snapshot{
		SessionID: sessionID,
		Version:   1,
		Status:    game.StatusActive,
		Phase:     game.PhaseDay,
		Participants: []game.Participant{
			{ID: "p1", Name: "Ada", Alive: true},
			{ID: "p2", Name: "Bruno", Alive: true},
			{ID: "p3", Name: "Clara", Alive: true},
			{ID: "p4", Name: "Dario", Alive: true},
		},
		EventLog: []game.Event{
			{ID: uuid.NewString(), Kind: "system", Message: "the village wakes up", At: time.Now().UTC()},
		},
	}
	s.sessions[sessionID] = snapshot
	return snapshot
}

// Handler returns the full HTTP handler: REST routes plus the
// websocket endpoint, wrapped with CORS and h2c.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /api/sessions/{id}/actions", s.handleAction)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

func (s *Server) snapshot(sessionID string) *game.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snapshot := s.snapshot(r.PathValue("id"))
	if snapshot == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot)
}

// handleAdvance rotates the phase and bumps the version, finishing the
// session after it has cycled through enough turns.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	s.mu.Lock()
	snapshot := s.sessions[sessionID]
	if snapshot == nil {
		s.mu.Unlock()
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if snapshot.Status == game.StatusFinished {
		s.mu.Unlock()
		http.Error(w, "session already finished", http.StatusConflict)
		return
	}

	snapshot.Version++
	switch snapshot.Phase {
	case game.PhaseDay:
		snapshot.Phase = game.PhaseDayVote
	case game.PhaseDayVote:
		snapshot.Phase = game.PhaseNight
	default:
		snapshot.Phase = game.PhaseDay
	}
	snapshot.EventLog = append(snapshot.EventLog, game.Event{
		ID:      uuid.NewString(),
		Kind:    "phase",
		Message: fmt.Sprintf("phase changed to %s", snapshot.Phase),
		At:      time.Now().UTC(),
	})
	if snapshot.Version >= 20 {
		snapshot.Status = game.StatusFinished
		snapshot.EventLog = append(snapshot.EventLog, game.Event{
			ID:      uuid.NewString(),
			Kind:    "system",
			Message: "the game is over",
			At:      time.Now().UTC(),
		})
	}
	updated := *snapshot
	s.mu.Unlock()

	s.broadcast(sessionID, &updated)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var action game.Action
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		http.Error(w, "invalid action payload", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	snapshot := s.sessions[sessionID]
	if snapshot == nil {
		s.mu.Unlock()
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	snapshot.Version++
	snapshot.PendingAction = nil
	snapshot.EventLog = append(snapshot.EventLog, game.Event{
		ID:      uuid.NewString(),
		Kind:    "action",
		Message: fmt.Sprintf("action %s submitted", action.Kind),
		At:      time.Now().UTC(),
	})
	updated := *snapshot
	s.mu.Unlock()

	s.broadcast(sessionID, &updated)
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleWebSocket validates the auth subprotocol, sends the connected
// frame with the full snapshot, and answers heartbeats.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	snapshot := s.snapshot(sessionID)
	if snapshot == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	offered := websocket.Subprotocols(r)
	if len(offered) < 2 || offered[0] != "auth" {
		http.Error(w, "missing auth subprotocol", http.StatusUnauthorized)
		return
	}
	if s.token != "" && offered[1] != s.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	c := &conn{ws: ws}
	s.register(sessionID, c)
	log.Info().Str("session_id", sessionID).Msg("websocket client connected")

	if err := c.writeJSON(game.ServerMessage{Type: game.MessageTypeConnected, Game: snapshot}); err != nil {
		s.unregister(sessionID, c)
		return
	}

	go s.readLoop(sessionID, c)
}

func (s *Server) readLoop(sessionID string, c *conn) {
	defer func() {
		s.unregister(sessionID, c)
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("websocket read error")
			}
			return
		}
		if string(data) == game.HeartbeatLiteral {
			if err := c.writeJSON(game.ServerMessage{Type: game.MessageTypePong}); err != nil {
				return
			}
			continue
		}
		_ = c.writeJSON(game.ServerMessage{
			Type:    game.MessageTypeError,
			Message: "unrecognized client frame",
		})
	}
}

func (s *Server) register(sessionID string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[sessionID] == nil {
		s.conns[sessionID] = make(map[*conn]bool)
	}
	s.conns[sessionID][c] = true
}

func (s *Server) unregister(sessionID string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conns, ok := s.conns[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(s.conns, sessionID)
		}
	}
}

func (s *Server) broadcast(sessionID string, snapshot *game.Snapshot) {
	s.mu.Lock()
	targets := make([]*conn, 0, len(s.conns[sessionID]))
	for c := range s.conns[sessionID] {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	msg := game.ServerMessage{Type: game.MessageTypeGameUpdate, Game: snapshot}
	for _, c := range targets {
		if err := c.writeJSON(msg); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("dropping dead websocket connection")
			s.unregister(sessionID, c)
			c.ws.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
