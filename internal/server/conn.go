package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aqueduct-io/aqueduct/internal/auth"
	"github.com/aqueduct-io/aqueduct/internal/document"
	"github.com/aqueduct-io/aqueduct/internal/protocol"
	"github.com/aqueduct-io/aqueduct/internal/session"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// connState is the per-connection protocol position. Transitions only move
// forward: unauthenticated connections can log in, authenticated ones can
// select a document, attached ones can edit.
type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateAttached
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateAttached:
		return "attached"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	// sendBuffer bounds how far a connection may lag behind the broadcast
	// stream before it is closed.
	sendBuffer = 256
)

// conn is one websocket connection. The read pump owns the state fields;
// Send and TrySend are called from session broadcasts on other goroutines
// and touch only the send channel.
type conn struct {
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	state    connState
	userID   string
	username string
	role     string
	sess     *session.Session
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		server: s,
		ws:     ws,
		logger: s.logger.With("remote", ws.RemoteAddr().String()),
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

// ActorID implements session.Conn.
func (c *conn) ActorID() string { return c.userID }

// Send queues an ordered message. A connection whose buffer is full cannot
// be allowed to stall or reorder the broadcast stream, so it is closed and
// left to reattach with a fresh state feed.
func (c *conn) Send(data []byte) {
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.logger.Warn("send buffer overflow, closing lagging connection", "actor_id", c.userID)
		c.close()
	}
}

// TrySend queues an ephemeral message, dropping it under backpressure.
func (c *conn) TrySend(data []byte) {
	select {
	case c.send <- data:
	case <-c.closed:
	default:
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readPump decodes inbound frames and dispatches them until the socket
// closes. Whatever the exit path, the connection detaches from its session.
func (c *conn) readPump(ctx context.Context) {
	defer func() {
		if c.sess != nil {
			c.server.registry.Detach(ctx, c.sess, c)
		}
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("connection closed", "actor_id", c.userID, "error", err)
			return
		}

		msg, err := protocol.DecodeServerbound(data)
		if err != nil {
			// Malformed or unknown frames are dropped; the connection
			// itself stays usable.
			c.logger.Warn("dropping undecodable message", "actor_id", c.userID, "error", err)
			continue
		}

		c.dispatch(ctx, msg)
	}
}

// dispatch routes one decoded message through the state machine. Messages
// that are not valid in the current state are ignored.
func (c *conn) dispatch(ctx context.Context, msg protocol.Serverbound) {
	switch c.state {
	case stateUnauthenticated:
		switch m := msg.(type) {
		case protocol.Login:
			c.handleLogin(ctx, m)
			return
		case protocol.Register:
			c.handleRegister(ctx, m)
			return
		}

	case stateAuthenticated:
		if m, ok := msg.(protocol.SelectDocument); ok {
			c.handleSelect(ctx, m)
			return
		}

	case stateAttached:
		switch m := msg.(type) {
		case protocol.Mutate:
			c.handleMutate(ctx, m)
			return
		case protocol.Checkout:
			if err := c.sess.Checkout(ctx, c, m.EditID); err != nil {
				// Checkout only errors when the session has failed; drop the
				// connection so the client reattaches against a fresh one.
				c.logger.Error("checkout failed, dropping connection", "actor_id", c.userID, "edit_id", m.EditID, "error", err)
				c.close()
			}
			return
		case protocol.CursorMove:
			c.sess.CursorMove(c, m.X, m.Y)
			return
		}
	}

	c.logger.Debug("ignoring out-of-state message", "state", c.state.String(), "type", fmt.Sprintf("%T", msg))
}

func (c *conn) handleLogin(ctx context.Context, m protocol.Login) {
	u, err := c.server.authn.Authenticate(ctx, m.Username, m.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.reply(protocol.LoginResult{Error: "invalid credentials"})
		return
	}
	if err != nil {
		c.logger.Error("login failed", "error", err)
		c.reply(protocol.LoginResult{Error: "internal error"})
		return
	}
	c.becomeAuthenticated(ctx, u)
}

func (c *conn) handleRegister(ctx context.Context, m protocol.Register) {
	u, err := c.server.authn.Register(ctx, m.Username, m.Password)
	switch {
	case err == nil:
		c.becomeAuthenticated(ctx, u)
	case errors.Is(err, auth.ErrUsernameTaken),
		errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrPasswordTooShort):
		c.reply(protocol.LoginResult{Error: err.Error()})
	default:
		c.logger.Error("registration failed", "error", err)
		c.reply(protocol.LoginResult{Error: "internal error"})
	}
}

func (c *conn) becomeAuthenticated(ctx context.Context, u store.User) {
	c.userID = u.ID
	c.username = u.Username
	c.state = stateAuthenticated
	c.logger.Info("authenticated", "actor_id", u.ID, "username", u.Username)

	var docs []protocol.DocumentInfo
	records, err := c.server.store.ListDocuments(ctx)
	if err != nil {
		c.logger.Error("failed to list documents", "error", err)
	}
	for _, rec := range records {
		docs = append(docs, protocol.DocumentInfo{ID: rec.ID, Name: rec.Name})
	}
	c.reply(protocol.LoginResult{OK: true, ActorID: u.ID, Documents: docs})
}

func (c *conn) handleSelect(ctx context.Context, m protocol.SelectDocument) {
	role, err := c.server.authz.RoleFor(ctx, m.DocumentID, c.userID)
	if err != nil {
		c.logger.Error("role lookup failed", "document_id", m.DocumentID, "error", err)
		c.reply(protocol.AttachRejected{DocumentID: m.DocumentID, Reason: "internal error"})
		return
	}
	if !auth.CanAttach(role) {
		c.reply(protocol.AttachRejected{DocumentID: m.DocumentID, Reason: "no access"})
		return
	}

	sess, err := c.server.registry.Attach(ctx, m.DocumentID, c)
	if errors.Is(err, store.ErrNotFound) {
		c.reply(protocol.AttachRejected{DocumentID: m.DocumentID, Reason: "unknown document"})
		return
	}
	if err != nil {
		c.logger.Error("attach failed", "document_id", m.DocumentID, "error", err)
		c.reply(protocol.AttachRejected{DocumentID: m.DocumentID, Reason: "internal error"})
		return
	}

	c.sess = sess
	c.role = role
	c.state = stateAttached
	c.logger.Info("attached", "actor_id", c.userID, "document_id", m.DocumentID, "role", role)
}

func (c *conn) handleMutate(ctx context.Context, m protocol.Mutate) {
	if !auth.CanEdit(c.role) {
		c.reply(protocol.MutationRejected{Code: "FORBIDDEN", Message: "role does not permit edits"})
		return
	}

	_, err := c.sess.ApplyMutation(ctx, c.userID, m.Action)
	if err == nil {
		// The confirmation reaches us through the session broadcast.
		return
	}

	var me *document.MutationError
	if errors.As(err, &me) {
		c.reply(protocol.MutationRejected{Code: string(me.Code), Message: me.Message})
		return
	}
	c.logger.Error("mutation failed", "actor_id", c.userID, "error", err)
	c.reply(protocol.MutationRejected{Code: "INTERNAL", Message: "internal error"})
	if errors.Is(err, session.ErrFailed) {
		c.close()
	}
}

// reply sends a direct response to this connection only.
func (c *conn) reply(msg protocol.Clientbound) {
	data, err := protocol.EncodeClientbound(msg)
	if err != nil {
		c.logger.Error("failed to encode reply", "error", err)
		return
	}
	c.Send(data)
}
