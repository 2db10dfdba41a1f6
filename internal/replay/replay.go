// Package replay materializes document state from a snapshot baseline plus
// a chronological edit chain.
//
// Replay is deterministic: the same chain applied to the same snapshot
// always yields bit-identical serialized state. Both the server session and
// the client sync state reconstruct documents through this package, which
// is what makes "send snapshot + edits, rebuild independently" a safe
// state-transfer protocol.
package replay

import (
	"fmt"

	"github.com/aqueduct-io/aqueduct/internal/document"
	"github.com/aqueduct-io/aqueduct/internal/edittree"
)

// Materialize builds the document at editID from the serialized snapshot
// state and the tree's chronological chain.
//
// The chain walk stops at a root sentinel, but a checkpoint written
// mid-lineage is an ordinary edit in the log; when the chain passes through
// the snapshot boundary edit, replay starts just after it.
func Materialize(codec document.Codec, snapState []byte, tree *edittree.Tree, editID, snapshotID int64) (document.Document, error) {
	doc, err := codec.Deserialize(snapState)
	if err != nil {
		return nil, fmt.Errorf("materialize: deserialize snapshot %d: %w", snapshotID, err)
	}

	chain := tree.ChronologicalChain(editID)
	start := 0
	for i, e := range chain {
		if e.ID == snapshotID {
			start = i + 1
			break
		}
	}
	for _, e := range chain[start:] {
		if err := doc.Apply(e.Action); err != nil {
			return nil, fmt.Errorf("materialize: replay edit %d: %w", e.ID, err)
		}
	}
	return doc, nil
}
