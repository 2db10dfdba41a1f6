package store

import "time"

// DocumentRecord is the persisted catalog row for one document: identity,
// head pointer, and the monotonic edit counter.
type DocumentRecord struct {
	ID                string
	Name              string
	CurrentEditID     int64
	CurrentSnapshotID int64
	EditCount         int64
	CreatedAt         time.Time
}

// Snapshot is a full serialized document checkpoint, valid at exactly
// EditID.
type Snapshot struct {
	DocumentID string
	EditID     int64
	State      []byte
}

// User is a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// timeFormat is the column encoding for timestamps. Display only; nothing
// orders by it.
const timeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}
