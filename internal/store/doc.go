// Package store provides SQLite-backed durable storage for aqueduct
// document histories.
//
// The store is the source of truth across process restarts. It holds:
//   - Edits: the append-only mutation log, one row per confirmed edit
//   - Snapshots: full serialized document checkpoints
//   - Documents: head pointers (current edit/snapshot) and edit counters
//   - Users and per-document roles for the auth collaborators
//
// Invariants:
//   - Appends are idempotent (ON CONFLICT DO NOTHING); replaying a write
//     after a crash never duplicates a row.
//   - All edit reads order by edit_id, the per-document logical clock.
//     Wall timestamps are stored for display but never decide order.
//   - Edit ids are allocated from documents.edit_count, which counts every
//     edit ever appended, including ones on branches a session has not
//     loaded. Deriving ids from a loaded chain's max would reuse ids after
//     a checkout across snapshot boundaries.
//
// Database configuration follows the usual SQLite service setup: WAL for
// concurrent reads, synchronous=NORMAL, busy_timeout=5000, foreign keys on.
package store
