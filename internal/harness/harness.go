// Package harness executes scripted multi-client scenarios against a real
// session registry and records the broadcast traffic each client observes.
//
// Scenarios are yaml files; the per-client traces they produce are compared
// against golden files, pinning fan-out order, checkout semantics, and
// rejection routing in one place.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aqueduct-io/aqueduct/internal/auth"
	"github.com/aqueduct-io/aqueduct/internal/document"
	"github.com/aqueduct-io/aqueduct/internal/document/network"
	"github.com/aqueduct-io/aqueduct/internal/protocol"
	"github.com/aqueduct-io/aqueduct/internal/session"
	"github.com/aqueduct-io/aqueduct/internal/store"
	"github.com/aqueduct-io/aqueduct/internal/testutil"
)

// Result is the observable outcome of one scenario run.
type Result struct {
	Scenario string        `json:"scenario"`
	Clients  []ClientTrace `json:"clients"`
}

// ClientTrace is everything one client received, in arrival order.
type ClientTrace struct {
	Name  string           `json:"name"`
	Trace []map[string]any `json:"trace"`
}

// traceConn implements session.Conn by summarizing every message into the
// client's trace.
type traceConn struct {
	name string

	mu     sync.Mutex
	events []map[string]any
}

func (c *traceConn) ActorID() string { return c.name }

func (c *traceConn) Send(data []byte) {
	msg, err := protocol.DecodeClientbound(data)
	if err != nil {
		c.append(map[string]any{"type": "undecodable", "error": err.Error()})
		return
	}
	c.append(summarize(msg))
}

func (c *traceConn) TrySend(data []byte) { c.Send(data) }

func (c *traceConn) append(ev map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// Run executes a scenario in a fresh in-memory store and returns the
// per-client traces. The clock is deterministic, so repeated runs produce
// identical results.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	clock := testutil.NewClock(time.Unix(1700000000, 0).UTC(), time.Second)

	state, err := network.New().Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize empty network: %w", err)
	}
	rec, err := st.CreateDocument(ctx, scenario.Name, state, clock.Now())
	if err != nil {
		return nil, fmt.Errorf("create scenario document: %w", err)
	}

	registry := session.NewRegistry(st, network.Codec{},
		session.WithClock(clock),
		session.WithSnapshotEvery(scenario.SnapshotEvery),
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	conns := make(map[string]*traceConn, len(scenario.Clients))
	roles := make(map[string]string, len(scenario.Clients))
	var sess *session.Session
	for _, c := range scenario.Clients {
		conn := &traceConn{name: c.Name}
		sess, err = registry.Attach(ctx, rec.ID, conn)
		if err != nil {
			return nil, fmt.Errorf("attach client %s: %w", c.Name, err)
		}
		conns[c.Name] = conn
		roles[c.Name] = c.Role
	}

	for i, step := range scenario.Steps {
		conn := conns[step.Client]
		switch {
		case step.Mutate != nil:
			if !auth.CanEdit(roles[step.Client]) {
				// The edge rejects viewer mutations before they reach the
				// session; mirror that here.
				conn.append(map[string]any{"type": "mutation_rejected", "code": "FORBIDDEN"})
				continue
			}
			action, err := json.Marshal(step.Mutate)
			if err != nil {
				return nil, fmt.Errorf("step %d: marshal action: %w", i, err)
			}
			if _, err := sess.ApplyMutation(ctx, step.Client, action); err != nil {
				var me *document.MutationError
				if !errors.As(err, &me) {
					return nil, fmt.Errorf("step %d: %w", i, err)
				}
				conn.append(map[string]any{"type": "mutation_rejected", "code": string(me.Code)})
			}

		case step.Checkout != nil:
			if err := sess.Checkout(ctx, conn, *step.Checkout); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}

		case step.Cursor != nil:
			sess.CursorMove(conn, step.Cursor.X, step.Cursor.Y)
		}
	}

	result := &Result{Scenario: scenario.Name}
	for _, c := range scenario.Clients {
		conn := conns[c.Name]
		conn.mu.Lock()
		events := conn.events
		conn.mu.Unlock()
		if events == nil {
			events = []map[string]any{}
		}
		result.Clients = append(result.Clients, ClientTrace{Name: c.Name, Trace: events})
	}
	return result, nil
}

// summarize reduces a clientbound message to the fields worth pinning in a
// golden trace.
func summarize(msg protocol.Clientbound) map[string]any {
	switch m := msg.(type) {
	case protocol.DocumentState:
		return map[string]any{
			"type":        "document_state",
			"edit_id":     m.EditID,
			"snapshot_id": m.Snapshot.SnapshotID,
			"edits":       len(m.Snapshot.Edits),
		}
	case protocol.MutationConfirmed:
		return map[string]any{
			"type":        "mutation_confirmed",
			"edit_id":     m.Edit.EditID,
			"parent_id":   m.Edit.ParentID,
			"snapshot_id": m.Edit.SnapshotID,
			"actor":       m.Edit.ActorID,
			"op":          actionOp(m.Edit.Action),
		}
	case protocol.MutationRejected:
		return map[string]any{"type": "mutation_rejected", "code": m.Code}
	case protocol.CheckoutResult:
		return map[string]any{
			"type":        "checkout_result",
			"edit_id":     m.EditID,
			"snapshot_id": m.SnapshotID,
			"full_state":  m.Snapshot != nil,
		}
	case protocol.CursorMoved:
		return map[string]any{
			"type":  "cursor_moved",
			"actor": m.ActorID,
			"x":     m.X,
			"y":     m.Y,
		}
	case protocol.Ack:
		return map[string]any{"type": "ack"}
	default:
		return map[string]any{"type": fmt.Sprintf("%T", msg)}
	}
}

func actionOp(action json.RawMessage) string {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(action, &probe); err != nil {
		return ""
	}
	return probe.Op
}
