// Package events defines the payloads published for downstream consumers of wearable data.
package events

import "time"

// Event types written to the outbox.
const (
	TypeSyncCompleted = "wearable.sync_completed"
)

// SyncCompleted is emitted once a snapshot for a connection has been stored and its watermark advanced.
type SyncCompleted struct {
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	SyncedAt   time.Time `json:"synced_at"`
	Activities int       `json:"activities"`
	Sleep      int       `json:"sleep"`
	Dailies    int       `json:"dailies"`
}

// PartitionKey keeps events for one connection on the same Kafka partition.
func (e SyncCompleted) PartitionKey() string {
	return e.UserID + ":" + e.Provider
}
