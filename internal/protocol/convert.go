package protocol

import "github.com/aqueduct-io/aqueduct/internal/edittree"

// FromEdit converts a tree edit to its wire form.
func FromEdit(e edittree.Edit) Edit {
	return Edit{
		EditID:     e.ID,
		ParentID:   e.ParentID,
		SnapshotID: e.SnapshotID,
		ActorID:    e.ActorID,
		CreatedAt:  e.CreatedAt,
		Action:     e.Action,
	}
}

// ToEdit converts a wire edit back to its tree form.
func (e Edit) ToEdit() edittree.Edit {
	return edittree.Edit{
		ID:         e.EditID,
		ParentID:   e.ParentID,
		SnapshotID: e.SnapshotID,
		ActorID:    e.ActorID,
		CreatedAt:  e.CreatedAt,
		Action:     e.Action,
	}
}
