package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aqueduct-io/aqueduct/internal/auth"
	"github.com/aqueduct-io/aqueduct/internal/document/network"
	"github.com/aqueduct-io/aqueduct/internal/protocol"
	"github.com/aqueduct-io/aqueduct/internal/session"
	"github.com/aqueduct-io/aqueduct/internal/store"
	"github.com/aqueduct-io/aqueduct/internal/testutil"
)

type testEnv struct {
	store *store.Store
	authn *auth.Authenticator
	ts    *httptest.Server
	url   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "aqueduct.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.NewRegistry(st, network.Codec{},
		session.WithClock(testutil.NewClock(time.Unix(1700000000, 0).UTC(), time.Second)),
		session.WithLogger(logger),
	)
	authn := auth.NewAuthenticator(st, auth.WithCost(bcrypt.MinCost))
	srv := New(st, registry, authn, auth.NewAuthorizer(st), logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		store: st,
		authn: authn,
		ts:    ts,
		url:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (e *testEnv) createDocument(t *testing.T, name string) string {
	t.Helper()
	state, err := network.New().Serialize()
	require.NoError(t, err)
	rec, err := e.store.CreateDocument(context.Background(), name, state, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	return rec.ID
}

func (e *testEnv) registerUser(t *testing.T, username string) store.User {
	t.Helper()
	u, err := e.authn.Register(context.Background(), username, "correct horse battery")
	require.NoError(t, err)
	return u
}

// wsClient drives one websocket connection through the protocol.
type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialClient(t *testing.T, url string) *wsClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) send(m protocol.Serverbound) {
	c.t.Helper()
	data, err := protocol.EncodeServerbound(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) sendRaw(data []byte) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) recv() protocol.Clientbound {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	msg, err := protocol.DecodeClientbound(data)
	require.NoError(c.t, err)
	return msg
}

// expectSilence asserts that nothing arrives within a short window.
func (c *wsClient) expectSilence() {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	_, _, err := c.ws.ReadMessage()
	require.Error(c.t, err)
}

func (c *wsClient) login(username string) protocol.LoginResult {
	c.t.Helper()
	c.send(protocol.Login{Username: username, Password: "correct horse battery"})
	res, ok := c.recv().(protocol.LoginResult)
	require.True(c.t, ok)
	return res
}

func (c *wsClient) attach(docID string) protocol.DocumentState {
	c.t.Helper()
	c.send(protocol.SelectDocument{DocumentID: docID})
	state, ok := c.recv().(protocol.DocumentState)
	require.True(c.t, ok, "expected the full state feed after selecting a document")
	return state
}

func addNodeAction(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"op":"add_node","node":{"id":%q,"kind":"junction","elevation":10}}`, id))
}

func TestRegisterOverWire(t *testing.T) {
	env := newTestEnv(t)
	env.createDocument(t, "mains")

	c := dialClient(t, env.url)
	c.send(protocol.Register{Username: "Alice", Password: "correct horse battery"})

	res, ok := c.recv().(protocol.LoginResult)
	require.True(t, ok)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.ActorID)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "mains", res.Documents[0].Name)
}

func TestLogin_BadCredentialsKeepsConnectionUsable(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice")

	c := dialClient(t, env.url)
	c.send(protocol.Login{Username: "alice", Password: "wrong password"})
	res, ok := c.recv().(protocol.LoginResult)
	require.True(t, ok)
	assert.False(t, res.OK)
	assert.Equal(t, "invalid credentials", res.Error)

	// Same connection, correct password.
	res = c.login("alice")
	assert.True(t, res.OK)
}

func TestOutOfStateMessagesIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice")

	c := dialClient(t, env.url)
	c.send(protocol.Mutate{Action: addNodeAction("J1")})
	c.send(protocol.Checkout{EditID: 0})

	// Delivery is ordered, so the first reply proving the ignored messages
	// produced nothing is the login result itself.
	res := c.login("alice")
	assert.True(t, res.OK)
}

func TestMalformedFrameDropped(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice")

	c := dialClient(t, env.url)
	c.sendRaw([]byte(`{"type":"warp-core","body":{}}`))
	c.sendRaw([]byte(`not json at all`))

	res := c.login("alice")
	assert.True(t, res.OK, "undecodable frames must not kill the connection")
}

func TestSelect_UnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerUser(t, "alice")
	docID := env.createDocument(t, "mains")
	require.NoError(t, env.store.GrantRole(context.Background(), docID, u.ID, auth.RoleEditor))

	c := dialClient(t, env.url)
	c.login("alice")
	c.send(protocol.SelectDocument{DocumentID: "no-such-doc"})

	rej, ok := c.recv().(protocol.AttachRejected)
	require.True(t, ok)
	assert.Equal(t, "no access", rej.Reason, "no role on an unknown document reads the same as no role at all")

	// Still authenticated: a valid selection works afterwards.
	state := c.attach(docID)
	assert.Equal(t, docID, state.DocumentID)
}

func TestSelect_NoRole(t *testing.T) {
	env := newTestEnv(t)
	env.registerUser(t, "alice")
	docID := env.createDocument(t, "mains")

	c := dialClient(t, env.url)
	c.login("alice")
	c.send(protocol.SelectDocument{DocumentID: docID})

	rej, ok := c.recv().(protocol.AttachRejected)
	require.True(t, ok)
	assert.Equal(t, docID, rej.DocumentID)
	assert.Equal(t, "no access", rej.Reason)
}

func TestMutationFlow_EditorAndViewer(t *testing.T) {
	env := newTestEnv(t)
	editor := env.registerUser(t, "alice")
	viewer := env.registerUser(t, "bob")
	docID := env.createDocument(t, "mains")
	ctx := context.Background()
	require.NoError(t, env.store.GrantRole(ctx, docID, editor.ID, auth.RoleEditor))
	require.NoError(t, env.store.GrantRole(ctx, docID, viewer.ID, auth.RoleViewer))

	a := dialClient(t, env.url)
	a.login("alice")
	a.attach(docID)

	b := dialClient(t, env.url)
	b.login("bob")
	b.attach(docID)

	// Editor mutation: confirmation fans out to both, originator included.
	a.send(protocol.Mutate{Action: addNodeAction("J1")})
	for _, c := range []*wsClient{a, b} {
		conf, ok := c.recv().(protocol.MutationConfirmed)
		require.True(t, ok)
		assert.Equal(t, int64(1), conf.Edit.EditID)
		assert.Equal(t, editor.ID, conf.Edit.ActorID)
	}

	// Viewer mutation: rejected at the edge, nothing broadcast.
	b.send(protocol.Mutate{Action: addNodeAction("J2")})
	rej, ok := b.recv().(protocol.MutationRejected)
	require.True(t, ok)
	assert.Equal(t, "FORBIDDEN", rej.Code)
	a.expectSilence()
}

func TestMutationRejection_GoesToActorOnly(t *testing.T) {
	env := newTestEnv(t)
	editor := env.registerUser(t, "alice")
	other := env.registerUser(t, "bob")
	docID := env.createDocument(t, "mains")
	ctx := context.Background()
	require.NoError(t, env.store.GrantRole(ctx, docID, editor.ID, auth.RoleEditor))
	require.NoError(t, env.store.GrantRole(ctx, docID, other.ID, auth.RoleEditor))

	a := dialClient(t, env.url)
	a.login("alice")
	a.attach(docID)
	b := dialClient(t, env.url)
	b.login("bob")
	b.attach(docID)

	a.send(protocol.Mutate{Action: addNodeAction("J1")})
	a.recv() // confirmation
	b.recv() // confirmation

	a.send(protocol.Mutate{Action: addNodeAction("J1")}) // duplicate id
	rej, ok := a.recv().(protocol.MutationRejected)
	require.True(t, ok)
	assert.Equal(t, "DUPLICATE_ID", rej.Code)
	b.expectSilence()
}

func TestCursorFanOutExcludesSender(t *testing.T) {
	env := newTestEnv(t)
	alice := env.registerUser(t, "alice")
	bob := env.registerUser(t, "bob")
	docID := env.createDocument(t, "mains")
	ctx := context.Background()
	require.NoError(t, env.store.GrantRole(ctx, docID, alice.ID, auth.RoleEditor))
	require.NoError(t, env.store.GrantRole(ctx, docID, bob.ID, auth.RoleViewer))

	a := dialClient(t, env.url)
	a.login("alice")
	a.attach(docID)
	b := dialClient(t, env.url)
	b.login("bob")
	b.attach(docID)

	a.send(protocol.CursorMove{X: 12.5, Y: -3})

	cur, ok := b.recv().(protocol.CursorMoved)
	require.True(t, ok)
	assert.Equal(t, alice.ID, cur.ActorID)
	assert.Equal(t, 12.5, cur.X)
	assert.Equal(t, float64(-3), cur.Y)
	a.expectSilence()
}

func TestCheckoutOverWire(t *testing.T) {
	env := newTestEnv(t)
	editor := env.registerUser(t, "alice")
	docID := env.createDocument(t, "mains")
	require.NoError(t, env.store.GrantRole(context.Background(), docID, editor.ID, auth.RoleEditor))

	c := dialClient(t, env.url)
	c.login("alice")
	c.attach(docID)

	c.send(protocol.Mutate{Action: addNodeAction("J1")})
	c.recv() // confirmation

	c.send(protocol.Checkout{EditID: 0})
	res, ok := c.recv().(protocol.CheckoutResult)
	require.True(t, ok)
	assert.Equal(t, int64(0), res.EditID)
	assert.Nil(t, res.Snapshot)

	c.send(protocol.Checkout{EditID: 0})
	_, ok = c.recv().(protocol.Ack)
	assert.True(t, ok, "checking out the current head is acknowledged, not broadcast")
}
