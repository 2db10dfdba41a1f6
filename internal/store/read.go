package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aqueduct-io/aqueduct/internal/edittree"
)

// LoadChain returns the snapshot at snapshotID and every logged edit whose
// snapshot_id matches it, excluding the snapshot edit itself, ordered by
// edit_id. This is exactly what a fresh session or reconnecting client
// needs to reconstruct state without touching older history.
//
// A missing snapshot returns ErrSnapshotMissing (wrapped): fatal for the
// caller, since no baseline means no replay.
func (s *Store) LoadChain(ctx context.Context, documentID string, snapshotID int64) (Snapshot, []edittree.Edit, error) {
	snap := Snapshot{DocumentID: documentID, EditID: snapshotID}
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM snapshots
		WHERE document_id = ? AND edit_id = ?
	`, documentID, snapshotID).Scan(&snap.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil, fmt.Errorf("load chain: snapshot %d of document %s: %w", snapshotID, documentID, ErrSnapshotMissing)
	}
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load chain: read snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT edit_id, parent_id, snapshot_id, actor_id, created_at, action
		FROM edits
		WHERE document_id = ? AND snapshot_id = ? AND edit_id != ?
		ORDER BY edit_id ASC
	`, documentID, snapshotID, snapshotID)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load chain: read edits: %w", err)
	}
	defer rows.Close()

	edits, err := scanEdits(rows)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load chain: %w", err)
	}

	return snap, edits, nil
}

// Edits returns the full edit log for a document ordered by edit_id,
// including root sentinels. Used by history inspection, not by sessions.
func (s *Store) Edits(ctx context.Context, documentID string) ([]edittree.Edit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edit_id, parent_id, snapshot_id, actor_id, created_at, action
		FROM edits
		WHERE document_id = ?
		ORDER BY edit_id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("read edits: %w", err)
	}
	defer rows.Close()

	edits, err := scanEdits(rows)
	if err != nil {
		return nil, fmt.Errorf("read edits: %w", err)
	}
	return edits, nil
}

// Edit returns a single edit by id.
func (s *Store) Edit(ctx context.Context, documentID string, editID int64) (edittree.Edit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT edit_id, parent_id, snapshot_id, actor_id, created_at, action
		FROM edits
		WHERE document_id = ? AND edit_id = ?
	`, documentID, editID)

	e, err := scanEdit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return edittree.Edit{}, fmt.Errorf("read edit %d of document %s: %w", editID, documentID, ErrNotFound)
	}
	if err != nil {
		return edittree.Edit{}, fmt.Errorf("read edit: %w", err)
	}
	return e, nil
}

// Document returns the catalog record for one document.
func (s *Store) Document(ctx context.Context, documentID string) (DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, current_edit_id, current_snapshot_id, edit_count, created_at
		FROM documents
		WHERE id = ?
	`, documentID)

	rec, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentRecord{}, fmt.Errorf("read document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("read document: %w", err)
	}
	return rec, nil
}

// ListDocuments returns every document in the catalog ordered by creation
// time, then id for a stable tie-break.
func (s *Store) ListDocuments(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, current_edit_id, current_snapshot_id, edit_count, created_at
		FROM documents
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var recs []DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return recs, nil
}

// UserByUsername looks up a user by exact (already normalized) username.
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("read user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}

	u.CreatedAt, err = decodeTime(createdAt)
	if err != nil {
		return User{}, fmt.Errorf("read user: decode created_at: %w", err)
	}
	return u, nil
}

// RoleFor returns the user's role on a document, or "" if none granted.
func (s *Store) RoleFor(ctx context.Context, documentID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM roles
		WHERE document_id = ? AND user_id = ?
	`, documentID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read role: %w", err)
	}
	return role, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanEdit(sc scanner) (edittree.Edit, error) {
	var e edittree.Edit
	var createdAt string
	var action []byte
	if err := sc.Scan(&e.ID, &e.ParentID, &e.SnapshotID, &e.ActorID, &createdAt, &action); err != nil {
		return edittree.Edit{}, err
	}

	var err error
	e.CreatedAt, err = decodeTime(createdAt)
	if err != nil {
		return edittree.Edit{}, fmt.Errorf("decode created_at: %w", err)
	}
	e.Action = json.RawMessage(action)
	return e, nil
}

func scanEdits(rows *sql.Rows) ([]edittree.Edit, error) {
	var edits []edittree.Edit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return edits, nil
}

func scanDocument(sc scanner) (DocumentRecord, error) {
	var rec DocumentRecord
	var createdAt string
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.CurrentEditID, &rec.CurrentSnapshotID, &rec.EditCount, &createdAt); err != nil {
		return DocumentRecord{}, err
	}

	var err error
	rec.CreatedAt, err = decodeTime(createdAt)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("decode created_at: %w", err)
	}
	return rec, nil
}
