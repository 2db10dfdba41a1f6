// Package server is the websocket edge: it upgrades connections, walks each
// one through the login/attach state machine, and translates wire messages
// into session calls.
//
// The edge holds no document state. Everything authoritative lives in the
// session layer; a connection is just an authenticated pipe with a role.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aqueduct-io/aqueduct/internal/auth"
	"github.com/aqueduct-io/aqueduct/internal/session"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// Server serves the websocket endpoint.
type Server struct {
	store    *store.Store
	registry *session.Registry
	authn    *auth.Authenticator
	authz    *auth.Authorizer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a server over the given store and session registry.
func New(st *store.Store, registry *session.Registry, authn *auth.Authenticator, authz *auth.Authorizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    st,
		registry: registry,
		authn:    authn,
		authz:    authz,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the editor origin; the document
			// role check is the real gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler exposing the websocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws)
	go c.writePump()
	c.readPump(r.Context())
}
