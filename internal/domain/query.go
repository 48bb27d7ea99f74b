package domain

import "time"

// Cursor marks the last row of a page in keyset order (timestamp descending, then row id).
type Cursor struct {
	At time.Time
	ID int64
}

// RecordQuery filters a user's stored records for the read API.
type RecordQuery struct {
	UserID   string
	Provider Provider // empty means every provider
	Start    string   // inclusive DateLayout bound, optional
	End      string   // inclusive DateLayout bound, optional
	Limit    int
	Cursor   *Cursor
}

// Stored wraps a persisted normalized record with its storage metadata.
type Stored[T any] struct {
	RowID    int64     `json:"-"`
	Provider Provider  `json:"provider"`
	SyncedAt time.Time `json:"syncedAt"`
	Record   T         `json:"record"`
}

// SyncSummary counts the records written by one successful snapshot.
type SyncSummary struct {
	UserID     string
	Provider   Provider
	Activities int
	Sleep      int
	Dailies    int
	SyncedAt   time.Time
}
