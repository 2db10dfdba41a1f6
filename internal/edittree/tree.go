// Package edittree maintains the append-only DAG of edits for one document.
//
// Every confirmed mutation becomes an Edit node. Nodes link upward through
// ParentID, so the history forms a tree that branches wherever a client
// checks out a past edit and keeps typing. The tree only ever grows; nothing
// is deleted for the life of a document.
//
// Ordering uses edit ids (logical clock), never timestamps. CreatedAt is
// carried for display only.
package edittree

import (
	"encoding/json"
	"sort"
	"time"
)

// Edit is one confirmed mutation record.
//
// An edit whose ParentID equals its own ID is a root: the sentinel written
// at a snapshot boundary. Roots carry no replayable action.
type Edit struct {
	// ID is unique and monotonically increasing per document, starting at 0.
	ID int64

	// ParentID is the edit this one was applied on top of.
	ParentID int64

	// SnapshotID is the edit id of the snapshot this edit's lineage
	// branches from.
	SnapshotID int64

	// ActorID identifies the connection that produced the edit.
	ActorID string

	// CreatedAt is the commit wall time. Informational only; replay order
	// is decided by ID.
	CreatedAt time.Time

	// Action is the opaque mutation payload, interpreted only by the
	// document adapter.
	Action json.RawMessage
}

// IsRoot reports whether the edit is a root/snapshot sentinel.
func (e Edit) IsRoot() bool {
	return e.ParentID == e.ID
}

// Tree is the in-memory edit DAG: parent links, child lists in arrival
// order, and the edit records themselves.
//
// Tree is not safe for concurrent use. The owning session (or client)
// serializes access.
type Tree struct {
	parents  map[int64]int64
	children map[int64][]int64
	edits    map[int64]Edit
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		parents:  make(map[int64]int64),
		children: make(map[int64][]int64),
		edits:    make(map[int64]Edit),
	}
}

// Insert records an edit. Duplicate ids are ignored (idempotent, matching
// the store's append semantics).
//
// Roots skip the parent hookup entirely. A non-root edit whose parent is
// unknown is still inserted as a synthetic root, and Insert returns
// orphaned=true so the caller can log an integrity warning. Continuation is
// best-effort: a flagged seam in the history beats refusing the document.
func (t *Tree) Insert(e Edit) (orphaned bool) {
	if _, ok := t.edits[e.ID]; ok {
		return false
	}
	t.edits[e.ID] = e
	t.parents[e.ID] = e.ParentID

	if e.IsRoot() {
		return false
	}
	if _, ok := t.edits[e.ParentID]; !ok {
		// Unknown parent. Keep the edit but do not fabricate a child slot
		// under a node we never saw.
		return true
	}
	t.children[e.ParentID] = append(t.children[e.ParentID], e.ID)
	return false
}

// Get returns the edit with the given id.
func (t *Tree) Get(id int64) (Edit, bool) {
	e, ok := t.edits[id]
	return e, ok
}

// Has reports whether the tree contains an edit with the given id.
func (t *Tree) Has(id int64) bool {
	_, ok := t.edits[id]
	return ok
}

// Children returns the ids of the direct children of id, in arrival order.
// The returned slice is a copy.
func (t *Tree) Children(id int64) []int64 {
	kids := t.children[id]
	if len(kids) == 0 {
		return nil
	}
	out := make([]int64, len(kids))
	copy(out, kids)
	return out
}

// Len returns the number of edits in the tree.
func (t *Tree) Len() int {
	return len(t.edits)
}

// Edits returns every edit in the tree ordered by id. Used to assemble
// state payloads; not on the mutation hot path.
func (t *Tree) Edits() []Edit {
	out := make([]Edit, 0, len(t.edits))
	for _, e := range t.edits {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ChronologicalChain walks parent links from lastID up to the nearest root
// (or an unknown parent) and returns the edits oldest-first, ending at
// lastID. The root sentinel itself is excluded: it has no action to replay.
//
// Cost is O(depth to the nearest snapshot boundary), not O(total history),
// because head pointers are re-anchored to snapshot roots.
func (t *Tree) ChronologicalChain(lastID int64) []Edit {
	var chain []Edit
	id := lastID
	for {
		e, ok := t.edits[id]
		if !ok {
			break
		}
		if e.IsRoot() {
			break
		}
		chain = append(chain, e)
		id = e.ParentID
	}
	// Reverse in place so the chain reads oldest-first for replay.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
