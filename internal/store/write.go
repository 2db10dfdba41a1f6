package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aqueduct-io/aqueduct/internal/edittree"
)

// CreateDocument creates a document with its root edit (id 0, self-parent)
// and the initial snapshot at edit 0, in one transaction. The returned
// record has the head at (0, 0) and an edit count of 1.
func (s *Store) CreateDocument(ctx context.Context, name string, initialState []byte, now time.Time) (DocumentRecord, error) {
	rec := DocumentRecord{
		ID:        uuid.NewString(),
		Name:      name,
		EditCount: 1,
		CreatedAt: now.UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("create document: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents
		(id, name, current_edit_id, current_snapshot_id, edit_count, created_at)
		VALUES (?, ?, 0, 0, 1, ?)
	`, rec.ID, rec.Name, encodeTime(rec.CreatedAt))
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("create document: insert document: %w", err)
	}

	// The root sentinel carries no replayable action; the empty object
	// keeps the column NOT NULL without meaning anything.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO edits
		(document_id, edit_id, parent_id, snapshot_id, actor_id, created_at, action)
		VALUES (?, 0, 0, 0, 'system', ?, ?)
	`, rec.ID, encodeTime(rec.CreatedAt), []byte(`{}`))
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("create document: insert root edit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, edit_id, state)
		VALUES (?, 0, ?)
	`, rec.ID, initialState)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("create document: insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return DocumentRecord{}, fmt.Errorf("create document: commit: %w", err)
	}

	return rec, nil
}

// AppendEdit appends one edit to the document's log and bumps the edit
// counter, in one transaction.
//
// Uses ON CONFLICT DO NOTHING for idempotency: re-appending an existing
// (document_id, edit_id) is silently ignored and does not bump the counter.
func (s *Store) AppendEdit(ctx context.Context, documentID string, e edittree.Edit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append edit: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO edits
		(document_id, edit_id, parent_id, snapshot_id, actor_id, created_at, action)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, edit_id) DO NOTHING
	`,
		documentID,
		e.ID,
		e.ParentID,
		e.SnapshotID,
		e.ActorID,
		encodeTime(e.CreatedAt),
		[]byte(e.Action),
	)
	if err != nil {
		return fmt.Errorf("append edit: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append edit: rows affected: %w", err)
	}

	if rowsAffected > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET edit_count = edit_count + 1 WHERE id = ?
		`, documentID)
		if err != nil {
			return fmt.Errorf("append edit: bump edit count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append edit: commit: %w", err)
	}

	return nil
}

// AppendSnapshot records a full document checkpoint at the given edit.
// Idempotent: duplicate (document_id, edit_id) writes are silently ignored.
func (s *Store) AppendSnapshot(ctx context.Context, documentID string, editID int64, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document_id, edit_id, state)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id, edit_id) DO NOTHING
	`, documentID, editID, state)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// SaveHead persists the document's head pointer. Called when the last
// connection detaches and the session is evicted; between evictions the
// live head exists only in the session.
func (s *Store) SaveHead(ctx context.Context, documentID string, editID, snapshotID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET current_edit_id = ?, current_snapshot_id = ?
		WHERE id = ?
	`, editID, snapshotID, documentID)
	if err != nil {
		return fmt.Errorf("save head: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save head: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("save head: document %s: %w", documentID, ErrNotFound)
	}

	return nil
}

// CreateUser registers a new user. Returns ErrUsernameTaken if the
// username already exists.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO NOTHING
	`, u.ID, u.Username, u.PasswordHash, encodeTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create user: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("create user %q: %w", u.Username, ErrUsernameTaken)
	}

	return nil
}

// GrantRole sets a user's role on a document, replacing any prior grant.
func (s *Store) GrantRole(ctx context.Context, documentID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roles (document_id, user_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id, user_id) DO UPDATE SET role = excluded.role
	`, documentID, userID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}
