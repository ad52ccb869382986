package ws

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"reliefhub/internal/auth"
	"reliefhub/internal/authz"
	"reliefhub/internal/convo"
	"reliefhub/internal/hub"
	"reliefhub/internal/presence"

	"github.com/gorilla/websocket"
)

type Storage interface {
	MarkRead(principalID, conversationID string, at int64) error
	UpdateLocation(principalID string, latitude, longitude float64) error
}

// Server upgrades HTTP requests to websocket connections and runs the
// per-connection actors.
type Server struct {
	auth     *auth.Service
	authz    *authz.Authorizer
	hub      *hub.Hub
	presence *presence.Registry
	store    Storage
	upgrader *websocket.Upgrader
	now      func() time.Time
}

func NewServer(authService *auth.Service, authorizer *authz.Authorizer, h *hub.Hub, reg *presence.Registry, store Storage) *Server {
	return &Server{
		auth:     authService,
		authz:    authorizer,
		hub:      h,
		presence: reg,
		store:    store,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Field terminals connect from arbitrary origins.
				return true
			},
		},
		now: time.Now,
	}
}

// HandleChat is the chat gateway endpoint. An unauthorized or malformed
// join is refused by closing the socket without any payload: the caller
// learns nothing about whether the conversation exists.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	principalID := s.principal(r)
	selector := r.URL.Query().Get("conversation")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	key, err := convo.ParseSelector(principalID, selector)
	if err != nil || !s.authz.Admitted(principalID, key) {
		_ = ws.Close()
		return
	}

	if principalID != "" {
		if err := s.store.MarkRead(principalID, string(key), s.now().UnixNano()); err != nil {
			slog.Error("failed to mark conversation read", "principal_id", principalID, "error", err)
		}
	}

	conn := NewConn(s.hub, s.presence, ws, principalID, key)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Warn("connection closed with error", "principal_id", principalID, "error", err)
	}
}

// HandleLocation is the location gateway endpoint. Anonymous callers
// are refused; there is no anonymous-read policy for positions.
func (s *Server) HandleLocation(w http.ResponseWriter, r *http.Request) {
	principalID := s.principal(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	if principalID == "" {
		_ = ws.Close()
		return
	}

	conn := NewLocationConn(s.hub, s.store, ws, principalID)
	if err := conn.Handle(r.Context()); err != nil {
		slog.Warn("location connection closed with error", "principal_id", principalID, "error", err)
	}
}

// principal resolves the session token from header, cookie or query
// parameter. Resolution failure means anonymous, not an error; the
// authorizer decides what anonymous principals may do.
func (s *Server) principal(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, err := s.auth.PrincipalID(token)
	if err != nil {
		return ""
	}
	return id
}
