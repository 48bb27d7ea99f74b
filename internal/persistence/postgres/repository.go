// Package postgres implements wearable persistence on top of pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/events"
)

// Repository provides Postgres-backed persistence for connections, normalized records,
// raw ingest audit rows and outbox events.
type Repository struct {
	pool        *pgxpool.Pool
	eventsTopic string
	now         func() time.Time
}

// Option customises a Repository.
type Option func(*Repository)

// WithEventsTopic makes AdvanceWatermark record a sync-completed outbox event for topic.
// Without it no outbox rows are written.
func WithEventsTopic(topic string) Option {
	return func(r *Repository) { r.eventsTopic = topic }
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AdvanceWatermark marks a snapshot as stored: last_synced_at moves to now, the connection is
// (re)activated and any recorded failure is cleared. The outbox event commits in the same transaction.
func (r *Repository) AdvanceWatermark(ctx context.Context, summary domain.SyncSummary) (time.Time, error) {
	syncedAt := r.now().UTC()
	if !summary.SyncedAt.IsZero() {
		syncedAt = summary.SyncedAt.UTC()
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE wearable_connections
                SET last_synced_at = $3, status = 'active', last_error = NULL, last_error_at = NULL, updated_at = NOW()
              WHERE user_id = $1 AND provider = $2`,
			summary.UserID, string(summary.Provider), syncedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrConnectionNotFound
		}

		if r.eventsTopic == "" {
			return nil
		}
		event := events.SyncCompleted{
			UserID:     summary.UserID,
			Provider:   string(summary.Provider),
			SyncedAt:   syncedAt,
			Activities: summary.Activities,
			Sleep:      summary.Sleep,
			Dailies:    summary.Dailies,
		}
		return r.insertOutbox(ctx, tx, "connection", event.PartitionKey(), events.TypeSyncCompleted, event.PartitionKey(), event)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("advance watermark for %s/%s: %w", summary.UserID, summary.Provider, err)
	}
	return syncedAt, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType, partitionKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6)`

	_, err = tx.Exec(ctx, stmt, aggregateType, aggregateID, eventType, r.eventsTopic, partitionKey, body)
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func parseDate(value string) (time.Time, error) {
	t, err := time.Parse(domain.DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return t, nil
}
