// Package protocol defines the wire messages exchanged over a document
// connection, one tagged-variant family per direction.
//
// Messages travel as a JSON envelope {"type": ..., "body": ...}. Decoding
// is fail-closed: an unrecognized type tag returns ErrUnknownType so the
// edge can drop the message and log, rather than guess.
package protocol

import (
	"encoding/json"
	"time"
)

// Serverbound is a message sent by a client to the server.
type Serverbound interface{ serverbound() }

// Clientbound is a message sent by the server to a client.
type Clientbound interface{ clientbound() }

// Edit is the wire form of one confirmed edit record.
type Edit struct {
	EditID     int64           `json:"edit_id"`
	ParentID   int64           `json:"parent_id"`
	SnapshotID int64           `json:"snapshot_id"`
	ActorID    string          `json:"actor_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Action     json.RawMessage `json:"action"`
}

// DocumentInfo is one catalog entry in a login result.
type DocumentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StatePayload is a snapshot plus its chronological edit children: the
// complete feed a client needs to reconstruct document state on its own.
// State transfer always goes through this payload, never through a diff
// against an assumed prior state.
type StatePayload struct {
	SnapshotID int64           `json:"snapshot_id"`
	State      json.RawMessage `json:"state"`
	Edits      []Edit          `json:"edits"`
}

// --- Serverbound variants ---

// Login authenticates the connection.
type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates an account and authenticates the connection.
type Register struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SelectDocument asks to attach the connection to a document session.
type SelectDocument struct {
	DocumentID string `json:"document_id"`
}

// Mutate submits one opaque mutation payload.
type Mutate struct {
	Action json.RawMessage `json:"action"`
}

// Checkout moves the document head to an existing edit.
type Checkout struct {
	EditID int64 `json:"edit_id"`
}

// CursorMove reports the actor's cursor position. Ephemeral: never logged,
// never applied to the document.
type CursorMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (Login) serverbound()          {}
func (Register) serverbound()       {}
func (SelectDocument) serverbound() {}
func (Mutate) serverbound()         {}
func (Checkout) serverbound()       {}
func (CursorMove) serverbound()     {}

// --- Clientbound variants ---

// LoginResult reports authentication outcome and, on success, the document
// catalog.
type LoginResult struct {
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Documents []DocumentInfo `json:"documents,omitempty"`
}

// AttachRejected reports a failed document selection (unknown document or
// no role). The connection stays authenticated.
type AttachRejected struct {
	DocumentID string `json:"document_id"`
	Reason     string `json:"reason"`
}

// DocumentState carries the full state feed after an attach or a checkout
// that crossed a snapshot boundary.
type DocumentState struct {
	DocumentID string       `json:"document_id"`
	EditID     int64        `json:"edit_id"`
	Snapshot   StatePayload `json:"snapshot"`
}

// MutationConfirmed broadcasts one committed edit to every attached
// connection, the originator included.
type MutationConfirmed struct {
	Edit Edit `json:"edit"`
}

// MutationRejected reports a domain-invalid mutation to the acting client
// only.
type MutationRejected struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckoutResult broadcasts a head move. Snapshot is nil when the target
// stayed under the current snapshot (clients already hold the edits).
type CheckoutResult struct {
	EditID     int64         `json:"edit_id"`
	SnapshotID int64         `json:"snapshot_id"`
	Snapshot   *StatePayload `json:"snapshot,omitempty"`
}

// CursorMoved fans a cursor position out to every attached connection
// except the sender.
type CursorMoved struct {
	ActorID string  `json:"actor_id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// Ack is the no-op acknowledgment for actions with no document effect.
type Ack struct{}

func (LoginResult) clientbound()       {}
func (AttachRejected) clientbound()    {}
func (DocumentState) clientbound()     {}
func (MutationConfirmed) clientbound() {}
func (MutationRejected) clientbound()  {}
func (CheckoutResult) clientbound()    {}
func (CursorMoved) clientbound()       {}
func (Ack) clientbound()               {}
