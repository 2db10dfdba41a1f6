// Package session owns the authoritative server-side state of open
// documents.
//
// Each open document has exactly one Session: a single-owner actor that
// serializes every mutation and checkout, appends to the store, and fans
// confirmed edits out to the attached connections. The Registry is the
// explicit table of live sessions; nothing in this package is process-global,
// so tests can run isolated registries side by side.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aqueduct-io/aqueduct/internal/document"
	"github.com/aqueduct-io/aqueduct/internal/edittree"
	"github.com/aqueduct-io/aqueduct/internal/store"
)

// Conn is one attached connection, as the session sees it.
//
// Send delivers in order; an implementation may close a connection that
// cannot keep up, but must never reorder. TrySend is for ephemeral traffic
// (cursors) and may drop under backpressure.
type Conn interface {
	ActorID() string
	Send(data []byte)
	TrySend(data []byte)
}

// Clock supplies commit wall times. Ordering never depends on it; it only
// feeds the created_at field.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// DefaultSnapshotEvery is the default re-snapshot cadence: a fresh full
// checkpoint every N confirmed edits, bounding replay depth. Zero disables
// re-snapshotting.
const DefaultSnapshotEvery = 200

// Registry owns the live sessions of one server process.
type Registry struct {
	store         *store.Store
	codec         document.Codec
	clock         Clock
	snapshotEvery int
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock (deterministic tests).
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithSnapshotEvery sets the re-snapshot cadence; 0 disables.
func WithSnapshotEvery(n int) Option {
	return func(r *Registry) { r.snapshotEvery = n }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry over the given store and document codec.
func NewRegistry(st *store.Store, codec document.Codec, opts ...Option) *Registry {
	r := &Registry{
		store:         st,
		codec:         codec,
		clock:         systemClock{},
		snapshotEvery: DefaultSnapshotEvery,
		logger:        slog.Default(),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach connects conn to the document's session, constructing the session
// from the persisted head if no one has the document open. The full state
// payload is sent to conn before any later broadcast, so the connection can
// reconstruct identical state independently.
func (r *Registry) Attach(ctx context.Context, documentID string, conn Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[documentID]
	if ok && s.Failed() != nil {
		// A failed session never serves again; rebuild from the durable log.
		delete(r.sessions, documentID)
		r.logger.Warn("discarding failed session", "document_id", documentID)
		ok = false
	}
	if !ok {
		var err error
		s, err = r.buildSession(ctx, documentID)
		if err != nil {
			return nil, err
		}
		r.sessions[documentID] = s
		head := s.Head()
		r.logger.Info("session created", "document_id", documentID, "head_edit", head.EditID, "head_snapshot", head.SnapshotID)
	}

	s.attach(conn)
	return s, nil
}

// Detach removes conn from its session. Idempotent. When the last
// connection leaves, the head pointer is flushed and the session is
// discarded; the next Attach rebuilds it from the store. A failed session
// is discarded without a flush, since its in-memory state is suspect.
func (r *Registry) Detach(ctx context.Context, s *Session, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.detach(conn) {
		return
	}

	if failure := s.Failed(); failure != nil {
		r.logger.Warn("evicting failed session without head flush", "document_id", s.documentID, "error", failure)
	} else {
		head := s.Head()
		if err := r.store.SaveHead(ctx, s.documentID, head.EditID, head.SnapshotID); err != nil {
			r.logger.Error("failed to flush head on eviction", "document_id", s.documentID, "error", err)
		}
	}

	// A discarded failed session may already have been replaced; only evict
	// the session the registry still owns.
	if r.sessions[s.documentID] == s {
		delete(r.sessions, s.documentID)
		r.logger.Info("session evicted", "document_id", s.documentID)
	}
}

// Open reports whether a live session exists for the document.
func (r *Registry) Open(documentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[documentID]
	return ok
}

// buildSession reconstructs a session's live state from the persisted head:
// nearest snapshot deserialized, then the chronological chain replayed.
func (r *Registry) buildSession(ctx context.Context, documentID string) (*Session, error) {
	rec, err := r.store.Document(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("build session: %w", err)
	}

	s := &Session{
		documentID:    documentID,
		store:         r.store,
		codec:         r.codec,
		clock:         r.clock,
		snapshotEvery: r.snapshotEvery,
		logger:        r.logger.With("document_id", documentID),
		tree:          edittree.New(),
		head:          Head{EditID: rec.CurrentEditID, SnapshotID: rec.CurrentSnapshotID},
		nextID:        rec.EditCount,
		conns:         make(map[Conn]struct{}),
	}

	if err := s.loadLineage(ctx, rec.CurrentSnapshotID); err != nil {
		return nil, err
	}

	doc, err := s.materialize(rec.CurrentEditID, rec.CurrentSnapshotID)
	if err != nil {
		return nil, err
	}
	s.doc = doc

	return s, nil
}
