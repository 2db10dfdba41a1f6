// Package client maintains a connecting client's view of a document: an
// optimistic "local" copy the UI edits immediately, and an authoritative
// "synced" copy that only moves on server confirmations.
//
// Both copies and the mirrored edit tree are owned exclusively by one
// client; nothing here is shared across clients. Reconciliation follows
// last-writer-wins: when a concurrent edit from elsewhere beats a pending
// local prediction, the prediction is discarded and local is rebuilt from
// synced.
package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aqueduct-io/aqueduct/internal/document"
	"github.com/aqueduct-io/aqueduct/internal/edittree"
	"github.com/aqueduct-io/aqueduct/internal/protocol"
	"github.com/aqueduct-io/aqueduct/internal/replay"
)

// EventKind classifies listener events.
type EventKind int

const (
	// EventStateReset fires when synced is rebuilt from a full state feed
	// (attach, or checkout across a snapshot boundary).
	EventStateReset EventKind = iota + 1

	// EventEditConfirmed fires for each confirmed edit.
	EventEditConfirmed

	// EventCheckedOut fires for a head move within the current snapshot.
	EventCheckedOut
)

// Event is one update delivered to the listener.
type Event struct {
	Kind       EventKind
	Edit       *edittree.Edit // set for EventEditConfirmed
	EditID     int64          // head edit after the event
	SnapshotID int64          // head snapshot after the event
}

// replica is one document copy plus its position relative to the shared
// baseline (the last attach or checkout point).
type replica struct {
	doc     document.Document
	headID  int64
	applied int // confirmed edits applied since the baseline
}

// SyncState reconciles the local and synced copies as server traffic
// arrives. Methods are safe for concurrent use; the listener is invoked
// with internal state locked and must not call back into SyncState.
type SyncState struct {
	actorID string
	codec   document.Codec
	logger  *slog.Logger

	mu         sync.Mutex
	tree       *edittree.Tree
	snapState  []byte
	snapshotID int64
	local      replica
	synced     replica
	pending    int // optimistic applies awaiting confirmation

	listener func(Event)
	backlog  []Event
}

// New creates a sync state for the given actor. The state is unusable until
// the attach feed arrives via OnDocumentState.
func New(actorID string, codec document.Codec, logger *slog.Logger) *SyncState {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncState{
		actorID: actorID,
		codec:   codec,
		logger:  logger,
		tree:    edittree.New(),
	}
}

// SetListener installs the update listener. Events that arrived before the
// first listener are delivered immediately in arrival order, then the
// backlog is discarded. Later calls replace the listener without replay.
func (s *SyncState) SetListener(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.listener == nil
	s.listener = fn
	if first && fn != nil {
		for _, ev := range s.backlog {
			fn(ev)
		}
		s.backlog = nil
	}
}

// OnDocumentState rebuilds synced from a full state feed and resets local
// to match. This is how every attach begins.
func (s *SyncState) OnDocumentState(p protocol.DocumentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rebaseLocked(p.Snapshot, p.EditID); err != nil {
		return fmt.Errorf("document state: %w", err)
	}
	s.emitLocked(Event{Kind: EventStateReset, EditID: p.EditID, SnapshotID: p.Snapshot.SnapshotID})
	return nil
}

// ApplyOptimistic applies the action to local ahead of confirmation. On
// domain failure local is restored from a pre-apply clone and the error is
// returned; the caller must not send the action. On success the caller
// sends the action and local keeps the predicted result.
func (s *SyncState) ApplyOptimistic(action json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local.doc == nil {
		return fmt.Errorf("apply optimistic: no document state yet")
	}

	rollback := s.local.doc.Clone()
	if err := s.local.doc.Apply(action); err != nil {
		s.local.doc = rollback
		return err
	}
	s.pending++
	return nil
}

// OnServerConfirmation applies a confirmed edit to synced and reconciles
// local against it.
//
// The cheap paths avoid a full rebuild: a foreign edit with no prediction
// pending is applied to both copies, and the client's own confirmed
// prediction is adopted into local without re-applying (local already holds
// the effect). A foreign edit arriving while a prediction is pending means
// the prediction lost the last-writer-wins race, so local is discarded and
// replaced with a clone of synced.
func (s *SyncState) OnServerConfirmation(we protocol.Edit) error {
	e := we.ToEdit()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.synced.doc == nil {
		return fmt.Errorf("confirmation before document state")
	}

	if s.tree.Insert(e) {
		s.logger.Warn("integrity: confirmed edit references unknown parent", "edit_id", e.ID, "parent_id", e.ParentID)
	}

	if err := s.synced.doc.Apply(e.Action); err != nil {
		return fmt.Errorf("apply confirmed edit %d to synced copy: %w", e.ID, err)
	}
	s.synced.applied++
	s.synced.headID = e.ID

	switch {
	case s.pending > 0 && e.ActorID == s.actorID:
		// Our prediction, now authoritative: adopt the identity only.
		s.pending--
		s.local.applied++
		s.local.headID = e.ID

	case s.pending > 0:
		// Divergence: someone else committed while our prediction was in
		// flight.
		s.resetLocalLocked()

	default:
		if err := s.local.doc.Apply(e.Action); err != nil {
			// The optimistic copy went stale somehow; synced is truth.
			s.logger.Warn("local copy rejected confirmed edit, resyncing", "edit_id", e.ID, "error", err)
			s.resetLocalLocked()
		} else {
			s.local.applied++
			s.local.headID = e.ID
		}
	}

	if s.local.applied != s.synced.applied {
		s.resetLocalLocked()
	}

	s.emitLocked(Event{Kind: EventEditConfirmed, Edit: &e, EditID: s.synced.headID, SnapshotID: s.snapshotID})
	return nil
}

// OnCheckoutResult moves the head. With a snapshot payload attached, synced
// is rebuilt from the new lineage; without one, the target lineage is
// already mirrored and only replay is needed. Either way local becomes a
// clone of synced: checkout always wins over unconfirmed optimistic edits.
func (s *SyncState) OnCheckoutResult(r protocol.CheckoutResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Snapshot != nil {
		if err := s.rebaseLocked(*r.Snapshot, r.EditID); err != nil {
			return fmt.Errorf("checkout: %w", err)
		}
		s.emitLocked(Event{Kind: EventStateReset, EditID: r.EditID, SnapshotID: r.SnapshotID})
		return nil
	}

	doc, err := replay.Materialize(s.codec, s.snapState, s.tree, r.EditID, s.snapshotID)
	if err != nil {
		return fmt.Errorf("checkout: %w", err)
	}
	s.synced = replica{doc: doc, headID: r.EditID}
	s.resetLocalLocked()
	s.emitLocked(Event{Kind: EventCheckedOut, EditID: r.EditID, SnapshotID: s.snapshotID})
	return nil
}

// rebaseLocked installs a full state feed as the new shared baseline.
func (s *SyncState) rebaseLocked(p protocol.StatePayload, editID int64) error {
	s.tree.Insert(edittree.Edit{ID: p.SnapshotID, ParentID: p.SnapshotID, SnapshotID: p.SnapshotID})
	for _, we := range p.Edits {
		if s.tree.Insert(we.ToEdit()) {
			s.logger.Warn("integrity: feed edit references unknown parent", "edit_id", we.EditID, "parent_id", we.ParentID)
		}
	}
	s.snapState = []byte(p.State)
	s.snapshotID = p.SnapshotID

	doc, err := replay.Materialize(s.codec, s.snapState, s.tree, editID, s.snapshotID)
	if err != nil {
		return err
	}
	s.synced = replica{doc: doc, headID: editID}
	s.resetLocalLocked()
	return nil
}

// resetLocalLocked discards local and replaces it with a clone of synced.
func (s *SyncState) resetLocalLocked() {
	s.local = replica{
		doc:     s.synced.doc.Clone(),
		headID:  s.synced.headID,
		applied: s.synced.applied,
	}
	s.pending = 0
}

// emitLocked delivers ev to the listener, or buffers it until the first
// listener subscribes.
func (s *SyncState) emitLocked(ev Event) {
	if s.listener != nil {
		s.listener(ev)
		return
	}
	s.backlog = append(s.backlog, ev)
}

// LocalState returns the serialized local (predicted) document.
func (s *SyncState) LocalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local.doc == nil {
		return nil, fmt.Errorf("no document state yet")
	}
	return s.local.doc.Serialize()
}

// SyncedState returns the serialized synced (authoritative) document.
func (s *SyncState) SyncedState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synced.doc == nil {
		return nil, fmt.Errorf("no document state yet")
	}
	return s.synced.doc.Serialize()
}

// Heads returns the local and synced head edit ids.
func (s *SyncState) Heads() (local, synced int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.headID, s.synced.headID
}

// Pending returns the number of optimistic applies awaiting confirmation.
func (s *SyncState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Children returns the mirrored tree's child list for an edit, in arrival
// order.
func (s *SyncState) Children(id int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Children(id)
}
