// Package document defines the adapter contract between the sync engine and
// the domain model it edits.
//
// The engine treats the document as opaque mutable state: it applies named
// actions, clones for rollback, and serializes for snapshots. Everything the
// engine knows about engineering semantics goes through this interface.
package document

import "encoding/json"

// Document is one mutable document instance.
//
// Implementations are not required to be safe for concurrent use; each copy
// is owned by exactly one session or one client sync state.
type Document interface {
	// Apply interprets and applies one mutation payload. A semantically
	// invalid action returns a *MutationError and must leave the document
	// unchanged.
	Apply(action json.RawMessage) error

	// Clone returns an independent deep copy.
	Clone() Document

	// Serialize returns the full document state. The encoding must be
	// deterministic: the same logical state always serializes to the same
	// bytes, so snapshot/replay equivalence can be checked bit-for-bit.
	Serialize() ([]byte, error)
}

// Codec reconstructs documents from serialized snapshots.
type Codec interface {
	Deserialize(state []byte) (Document, error)
}
