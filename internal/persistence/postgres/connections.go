package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

const connectionColumns = `id, user_id, provider, provider_user_id, status, last_synced_at, last_error, last_error_at, connected_at, updated_at`

// UpsertConnection creates the (user, provider) connection or re-links an existing one to
// providerUserID and marks it active. The second return value reports whether it was created.
func (r *Repository) UpsertConnection(ctx context.Context, userID string, provider domain.Provider, providerUserID string) (*domain.Connection, bool, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO wearable_connections (id, user_id, provider, provider_user_id, status)
         VALUES ($1, $2, $3, $4, 'active')
         ON CONFLICT (user_id, provider) DO UPDATE
            SET provider_user_id = EXCLUDED.provider_user_id,
                status = 'active',
                updated_at = NOW()
      RETURNING `+connectionColumns+`, (xmax = 0) AS inserted`,
		uuid.NewString(), userID, string(provider), providerUserID)

	var conn domain.Connection
	var inserted bool
	if err := row.Scan(connectionTargets(&conn, &inserted)...); err != nil {
		return nil, false, fmt.Errorf("upsert connection: %w", err)
	}
	return &conn, inserted, nil
}

// GetConnection loads the connection for a user and provider in any status.
func (r *Repository) GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM wearable_connections WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	return scanConnection(row)
}

// FindActiveByProviderUser resolves a provider-side user id to its active connection.
func (r *Repository) FindActiveByProviderUser(ctx context.Context, provider domain.Provider, providerUserID string) (*domain.Connection, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM wearable_connections
          WHERE provider = $1 AND provider_user_id = $2 AND status = 'active'
          ORDER BY updated_at DESC
          LIMIT 1`,
		string(provider), providerUserID)
	return scanConnection(row)
}

// ListActiveConnections returns every active connection, oldest watermark first.
func (r *Repository) ListActiveConnections(ctx context.Context) ([]domain.Connection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+connectionColumns+` FROM wearable_connections
          WHERE status = 'active'
          ORDER BY last_synced_at ASC NULLS FIRST, id`)
	if err != nil {
		return nil, err
	}
	return collectConnections(rows)
}

// ListConnectionsByUser returns all of a user's connections.
func (r *Repository) ListConnectionsByUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+connectionColumns+` FROM wearable_connections WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	return collectConnections(rows)
}

// Disconnect marks a connection disconnected. Stored records are kept.
func (r *Repository) Disconnect(ctx context.Context, userID string, provider domain.Provider) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE wearable_connections SET status = 'disconnected', updated_at = NOW()
          WHERE user_id = $1 AND provider = $2`, userID, string(provider))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

// RecordSyncFailure stores the error of a sync that exhausted its retries. The watermark is untouched.
func (r *Repository) RecordSyncFailure(ctx context.Context, userID string, provider domain.Provider, reason string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE wearable_connections SET last_error = $3, last_error_at = NOW(), updated_at = NOW()
          WHERE user_id = $1 AND provider = $2`, userID, string(provider), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConnectionNotFound
	}
	return nil
}

func connectionTargets(conn *domain.Connection, extra ...any) []any {
	targets := []any{&conn.ID, &conn.UserID, &conn.Provider, &conn.ProviderUserID, &conn.Status,
		&conn.LastSyncedAt, &conn.LastError, &conn.LastErrorAt, &conn.ConnectedAt, &conn.UpdatedAt}
	return append(targets, extra...)
}

func scanConnection(row pgx.Row) (*domain.Connection, error) {
	var conn domain.Connection
	if err := row.Scan(connectionTargets(&conn)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConnectionNotFound
		}
		return nil, err
	}
	return &conn, nil
}

func collectConnections(rows pgx.Rows) ([]domain.Connection, error) {
	defer rows.Close()
	out := make([]domain.Connection, 0)
	for rows.Next() {
		var conn domain.Connection
		if err := rows.Scan(connectionTargets(&conn)...); err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}
