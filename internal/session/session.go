package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aqueduct-io/aqueduct/internal/document"
	"github.com/aqueduct-io/aqueduct/internal/edittree"
	"github.com/aqueduct-io/aqueduct/internal/protocol"
	"github.com/aqueduct-io/aqueduct/internal/replay"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// ErrFailed marks a session that hit a storage-tier error it could not
// recover from. A failed session refuses every further operation; the
// registry discards it so the next attach rebuilds from the durable log.
var ErrFailed = errors.New("session failed")

// Head is the document's current authoritative position: the edit the next
// mutation will attach under, and the snapshot its lineage replays from.
type Head struct {
	EditID     int64
	SnapshotID int64
}

// Session is the single in-memory owner of one open document.
//
// All state behind mu — the live document, the edit tree, the head pointer,
// the attached set — is touched only while holding it, so document
// mutation, log append, and head advance are atomic as a unit and every
// connection observes commits in the same total order. Distinct documents
// have distinct sessions and proceed fully in parallel.
type Session struct {
	documentID    string
	store         *store.Store
	codec         document.Codec
	clock         Clock
	snapshotEvery int
	logger        *slog.Logger

	mu            sync.Mutex
	doc           document.Document
	tree          *edittree.Tree
	head          Head
	nextID        int64
	snapState     []byte // serialized state at head.SnapshotID
	sinceSnapshot int    // commits since the last checkpoint
	conns         map[Conn]struct{}
	fatal         error // non-nil once the session has failed; never cleared
}

// DocumentID returns the session's document id.
func (s *Session) DocumentID() string { return s.documentID }

// Head returns the current head pointer.
func (s *Session) Head() Head {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Failed reports the session's fatal error, or nil while it is healthy.
func (s *Session) Failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// failLocked records a storage-tier error the session cannot recover from.
// The live document, baseline, and head may no longer agree, so every
// further operation is refused rather than served from inconsistent state.
func (s *Session) failLocked(err error) error {
	if s.fatal == nil {
		s.fatal = fmt.Errorf("%w: %v", ErrFailed, err)
		s.logger.Error("session failed, refusing further operations", "error", err)
	}
	return s.fatal
}

// SerializeDocument returns the authoritative document's serialized state.
func (s *Session) SerializeDocument() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Serialize()
}

// attach registers conn and sends it the full state payload. The payload is
// the only way a connection ever receives document state; no diffs against
// assumed prior state.
func (s *Session) attach(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[conn] = struct{}{}

	data, err := protocol.EncodeClientbound(s.statePayloadLocked())
	if err != nil {
		s.logger.Error("failed to encode state payload", "error", err)
		return
	}
	conn.Send(data)
}

// detach removes conn and reports whether the attached set is now empty.
// Idempotent: detaching an unknown conn is a no-op that reports emptiness.
func (s *Session) detach(conn Conn) (empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	return len(s.conns) == 0
}

// ApplyMutation attempts one mutation against the authoritative document.
//
// On success the edit is appended to the store and the tree, the head
// advances, and the confirmation is broadcast to every attached connection,
// originator included. On domain failure the document is discarded and
// rebuilt from the snapshot baseline plus replay, so no partial effects
// survive; the mutation error is returned for the caller to surface to the
// acting client alone. The rebuild trades a slower failure path for an
// allocation-free success path, since successes dominate.
func (s *Session) ApplyMutation(ctx context.Context, actorID string, action json.RawMessage) (edittree.Edit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return edittree.Edit{}, s.fatal
	}

	if err := s.doc.Apply(action); err != nil {
		if rebuildErr := s.rebuildLocked(); rebuildErr != nil {
			return edittree.Edit{}, s.failLocked(rebuildErr)
		}
		return edittree.Edit{}, err
	}

	e := edittree.Edit{
		ID:         s.nextID,
		ParentID:   s.head.EditID,
		SnapshotID: s.head.SnapshotID,
		ActorID:    actorID,
		CreatedAt:  s.clock.Now().UTC(),
		Action:     action,
	}

	if err := s.store.AppendEdit(ctx, s.documentID, e); err != nil {
		// Not durable, so not confirmed. Roll the document back too.
		if rebuildErr := s.rebuildLocked(); rebuildErr != nil {
			return edittree.Edit{}, s.failLocked(rebuildErr)
		}
		return edittree.Edit{}, fmt.Errorf("apply mutation: %w", err)
	}

	s.nextID++
	s.tree.Insert(e)
	s.head.EditID = e.ID
	s.sinceSnapshot++

	if s.snapshotEvery > 0 && s.sinceSnapshot >= s.snapshotEvery {
		s.checkpointLocked(ctx)
	}

	s.broadcastLocked(protocol.MutationConfirmed{Edit: protocol.FromEdit(e)})
	return e, nil
}

// Checkout moves the head to an existing edit, branching the history if
// mutations follow. The requesting connection gets an Ack when the target
// is already the head, and a rejection when the target does not exist;
// everything else is broadcast to the whole attached set.
func (s *Session) Checkout(ctx context.Context, from Conn, targetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return s.fatal
	}

	if targetID == s.head.EditID {
		// No-op checkout: acknowledge the requester, no redundant broadcast.
		s.sendToLocked(from, protocol.Ack{})
		return nil
	}

	target, ok := s.tree.Get(targetID)
	if !ok {
		var err error
		target, err = s.store.Edit(ctx, s.documentID, targetID)
		if errors.Is(err, store.ErrNotFound) {
			s.sendToLocked(from, protocol.MutationRejected{Code: "UNKNOWN_EDIT", Message: fmt.Sprintf("edit %d does not exist", targetID)})
			return nil
		}
		if err != nil {
			return s.failLocked(fmt.Errorf("checkout: %w", err))
		}
	}

	if target.SnapshotID != s.head.SnapshotID {
		if err := s.loadLineage(ctx, target.SnapshotID); err != nil {
			return s.failLocked(fmt.Errorf("checkout: %w", err))
		}
	}

	// Materialize before touching the head: a failure here must leave the
	// head and document exactly as they were.
	doc, err := s.materialize(target.ID, target.SnapshotID)
	if err != nil {
		return s.failLocked(fmt.Errorf("checkout: %w", err))
	}

	crossedSnapshot := target.SnapshotID != s.head.SnapshotID
	s.doc = doc
	s.head = Head{EditID: target.ID, SnapshotID: target.SnapshotID}

	if crossedSnapshot {
		// Clients cannot assume they hold the other lineage; ship it whole.
		state := s.statePayloadLocked()
		s.broadcastLocked(protocol.CheckoutResult{
			EditID:     s.head.EditID,
			SnapshotID: s.head.SnapshotID,
			Snapshot:   &state.Snapshot,
		})
	} else {
		s.broadcastLocked(protocol.CheckoutResult{
			EditID:     s.head.EditID,
			SnapshotID: s.head.SnapshotID,
		})
	}
	return nil
}

// CursorMove fans a cursor position out to everyone but the sender.
// Ephemeral: nothing is logged, and lagging connections just miss it.
func (s *Session) CursorMove(from Conn, x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := protocol.EncodeClientbound(protocol.CursorMoved{ActorID: from.ActorID(), X: x, Y: y})
	if err != nil {
		s.logger.Error("failed to encode cursor broadcast", "error", err)
		return
	}
	for c := range s.conns {
		if c == from {
			continue
		}
		c.TrySend(data)
	}
}

// loadLineage pulls a snapshot and its edit chain from the store into the
// session: the boundary becomes a root sentinel in the tree, the chain's
// edits are inserted around it, and the snapshot bytes become the replay
// baseline. Insertion is idempotent, so reloading a lineage is harmless.
func (s *Session) loadLineage(ctx context.Context, snapshotID int64) error {
	snap, edits, err := s.store.LoadChain(ctx, s.documentID, snapshotID)
	if err != nil {
		return err
	}

	s.tree.Insert(edittree.Edit{ID: snapshotID, ParentID: snapshotID, SnapshotID: snapshotID})
	for _, e := range edits {
		if s.tree.Insert(e) {
			s.logger.Warn("integrity: edit references unknown parent", "edit_id", e.ID, "parent_id", e.ParentID)
		}
	}
	s.snapState = snap.State
	return nil
}

// materialize builds the document state at editID from the current
// snapshot baseline and the tree's chronological chain.
func (s *Session) materialize(editID, snapshotID int64) (document.Document, error) {
	return replay.Materialize(s.codec, s.snapState, s.tree, editID, snapshotID)
}

// rebuildLocked discards the live document and reconstructs it at the
// current head from the snapshot baseline.
func (s *Session) rebuildLocked() error {
	doc, err := s.materialize(s.head.EditID, s.head.SnapshotID)
	if err != nil {
		return fmt.Errorf("rebuild document: %w", err)
	}
	s.doc = doc
	return nil
}

// checkpointLocked writes a fresh full snapshot at the current head and
// re-anchors the lineage there, bounding future replay depth. Failure is
// non-fatal: the previous snapshot remains a valid baseline.
func (s *Session) checkpointLocked(ctx context.Context) {
	state, err := s.doc.Serialize()
	if err != nil {
		s.logger.Warn("checkpoint skipped: serialize failed", "error", err)
		return
	}
	if err := s.store.AppendSnapshot(ctx, s.documentID, s.head.EditID, state); err != nil {
		s.logger.Warn("checkpoint skipped: append failed", "error", err)
		return
	}

	s.head.SnapshotID = s.head.EditID
	s.snapState = state
	s.sinceSnapshot = 0
	s.logger.Debug("checkpoint written", "edit_id", s.head.EditID)
}

// statePayloadLocked assembles the full state feed for the current head:
// the snapshot baseline plus every known edit in its lineage, ordered by
// id. Root sentinels carry no action and stay out of the feed.
func (s *Session) statePayloadLocked() protocol.DocumentState {
	var wire []protocol.Edit
	for _, e := range s.tree.Edits() {
		if e.SnapshotID != s.head.SnapshotID || e.IsRoot() {
			continue
		}
		wire = append(wire, protocol.FromEdit(e))
	}
	return protocol.DocumentState{
		DocumentID: s.documentID,
		EditID:     s.head.EditID,
		Snapshot: protocol.StatePayload{
			SnapshotID: s.head.SnapshotID,
			State:      json.RawMessage(s.snapState),
			Edits:      wire,
		},
	}
}

// broadcastLocked serializes msg once and sends it to every attached
// connection in commit order.
func (s *Session) broadcastLocked(msg protocol.Clientbound) {
	data, err := protocol.EncodeClientbound(msg)
	if err != nil {
		s.logger.Error("failed to encode broadcast", "error", err)
		return
	}
	for c := range s.conns {
		c.Send(data)
	}
}

// sendToLocked serializes msg for a single connection.
func (s *Session) sendToLocked(conn Conn, msg protocol.Clientbound) {
	data, err := protocol.EncodeClientbound(msg)
	if err != nil {
		s.logger.Error("failed to encode reply", "error", err)
		return
	}
	conn.Send(data)
}
