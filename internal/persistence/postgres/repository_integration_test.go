//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/events"
	"github.com/the-governor-hq/bodyPress-backend/internal/testsupport"
)

func TestRepository(t *testing.T) {
	ctx := context.Background()
	pool := testsupport.StartPostgres(ctx, t)

	reset := func(t *testing.T) {
		testsupport.Truncate(ctx, t, pool, "wearable_connections", "wearable_activities", "wearable_sleep",
			"wearable_dailies", "wearable_raw_ingest", "outbox")
	}

	t.Run("upserts are idempotent", func(t *testing.T) {
		reset(t)
		repo := NewRepository(pool)
		snapshot := fixtureSnapshot()

		for i := 0; i < 2; i++ {
			n, err := repo.UpsertActivities(ctx, "user-1", domain.ProviderGarmin, snapshot.Activities)
			require.NoError(t, err)
			require.Equal(t, 2, n)
			_, err = repo.UpsertSleep(ctx, "user-1", domain.ProviderGarmin, snapshot.Sleep)
			require.NoError(t, err)
			_, err = repo.UpsertDailies(ctx, "user-1", domain.ProviderGarmin, snapshot.Dailies)
			require.NoError(t, err)
		}

		require.Equal(t, 2, countRows(t, pool, "wearable_activities"))
		require.Equal(t, 1, countRows(t, pool, "wearable_sleep"))
		require.Equal(t, 1, countRows(t, pool, "wearable_dailies"))
		require.Equal(t, 4, countRows(t, pool, "wearable_raw_ingest"))

		updated := snapshot.Activities[0]
		calories := 999.5
		updated.Calories = &calories
		_, err := repo.UpsertActivities(ctx, "user-1", domain.ProviderGarmin, []domain.Activity{updated})
		require.NoError(t, err)
		require.Equal(t, 2, countRows(t, pool, "wearable_activities"))

		var stored float64
		require.NoError(t, pool.QueryRow(ctx, `SELECT calories FROM wearable_activities WHERE external_id = $1`, updated.ExternalID).Scan(&stored))
		require.InDelta(t, 999.5, stored, 0.001)
	})

	t.Run("watermark advance clears failures and records an outbox event", func(t *testing.T) {
		reset(t)
		repo := NewRepository(pool, WithEventsTopic("wearables.sync.v1"))

		conn, created, err := repo.UpsertConnection(ctx, "user-1", domain.ProviderFitbit, "FB-1")
		require.NoError(t, err)
		require.True(t, created)
		require.Nil(t, conn.LastSyncedAt)

		require.NoError(t, repo.RecordSyncFailure(ctx, "user-1", domain.ProviderFitbit, "gateway timeout"))
		require.NoError(t, repo.Disconnect(ctx, "user-1", domain.ProviderFitbit))

		failing, err := repo.GetConnection(ctx, "user-1", domain.ProviderFitbit)
		require.NoError(t, err)
		require.False(t, failing.Healthy())
		require.Equal(t, domain.ConnectionDisconnected, failing.Status)

		syncedAt, err := repo.AdvanceWatermark(ctx, domain.SyncSummary{UserID: "user-1", Provider: domain.ProviderFitbit, Activities: 3})
		require.NoError(t, err)

		healed, err := repo.GetConnection(ctx, "user-1", domain.ProviderFitbit)
		require.NoError(t, err)
		require.True(t, healed.Healthy())
		require.NotNil(t, healed.LastSyncedAt)
		require.WithinDuration(t, syncedAt, *healed.LastSyncedAt, time.Millisecond)

		var eventType, key string
		var payload []byte
		require.NoError(t, pool.QueryRow(ctx, `SELECT event_type, partition_key, payload FROM outbox`).Scan(&eventType, &key, &payload))
		require.Equal(t, events.TypeSyncCompleted, eventType)
		require.Equal(t, "user-1:fitbit", key)

		var event events.SyncCompleted
		require.NoError(t, json.Unmarshal(payload, &event))
		require.Equal(t, 3, event.Activities)

		_, err = repo.AdvanceWatermark(ctx, domain.SyncSummary{UserID: "nobody", Provider: domain.ProviderFitbit})
		require.ErrorIs(t, err, domain.ErrConnectionNotFound)
	})

	t.Run("reconnecting keeps the connection id", func(t *testing.T) {
		reset(t)
		repo := NewRepository(pool)

		first, created, err := repo.UpsertConnection(ctx, "user-1", domain.ProviderGarmin, "G-1")
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := repo.UpsertConnection(ctx, "user-1", domain.ProviderGarmin, "G-2")
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first.ID, second.ID)

		_, err = repo.FindActiveByProviderUser(ctx, domain.ProviderGarmin, "G-1")
		require.ErrorIs(t, err, domain.ErrConnectionNotFound)
		found, err := repo.FindActiveByProviderUser(ctx, domain.ProviderGarmin, "G-2")
		require.NoError(t, err)
		require.Equal(t, "user-1", found.UserID)
	})

	t.Run("active connections exclude disconnected ones", func(t *testing.T) {
		reset(t)
		repo := NewRepository(pool)

		_, _, err := repo.UpsertConnection(ctx, "user-1", domain.ProviderGarmin, "G-1")
		require.NoError(t, err)
		_, _, err = repo.UpsertConnection(ctx, "user-2", domain.ProviderGarmin, "G-2")
		require.NoError(t, err)
		require.NoError(t, repo.Disconnect(ctx, "user-2", domain.ProviderGarmin))

		active, err := repo.ListActiveConnections(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, "user-1", active[0].UserID)

		require.ErrorIs(t, repo.Disconnect(ctx, "user-3", domain.ProviderGarmin), domain.ErrConnectionNotFound)
	})

	t.Run("record listing pages with a keyset cursor", func(t *testing.T) {
		reset(t)
		repo := NewRepository(pool)

		base := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
		activities := make([]domain.Activity, 0, 5)
		for i := 0; i < 5; i++ {
			start := base.AddDate(0, 0, i)
			activities = append(activities, domain.Activity{
				ExternalID: "act-" + start.Format("0102"), Type: "running",
				StartTime: start, EndTime: start.Add(30 * time.Minute), DurationSeconds: 1800,
			})
		}
		_, err := repo.UpsertActivities(ctx, "user-1", domain.ProviderGarmin, activities)
		require.NoError(t, err)

		page, next, err := repo.ListActivities(ctx, domain.RecordQuery{UserID: "user-1", Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, "act-0305", page[0].Record.ExternalID)
		require.NotNil(t, next)

		page, _, err = repo.ListActivities(ctx, domain.RecordQuery{UserID: "user-1", Limit: 2, Cursor: next})
		require.NoError(t, err)
		require.Equal(t, "act-0303", page[0].Record.ExternalID)

		ranged, next, err := repo.ListActivities(ctx, domain.RecordQuery{UserID: "user-1", Start: "2026-03-02", End: "2026-03-03", Limit: 10})
		require.NoError(t, err)
		require.Len(t, ranged, 2)
		require.Nil(t, next)

		_, err = repo.UpsertDailies(ctx, "user-1", domain.ProviderGarmin, fixtureSnapshot().Dailies)
		require.NoError(t, err)
		dailies, _, err := repo.ListDailies(ctx, domain.RecordQuery{UserID: "user-1", Provider: domain.ProviderGarmin, Limit: 10})
		require.NoError(t, err)
		require.Len(t, dailies, 1)
		require.Equal(t, "2026-03-01", dailies[0].Record.Date)
		require.Equal(t, domain.ProviderGarmin, dailies[0].Provider)

		none, _, err := repo.ListSleep(ctx, domain.RecordQuery{UserID: "user-1", Provider: domain.ProviderFitbit, Limit: 10})
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("summarize aggregates the requested period", func(t *testing.T) {
		reset(t)
		repo := NewRepository(pool)
		snapshot := fixtureSnapshot()
		_, err := repo.UpsertActivities(ctx, "user-1", domain.ProviderGarmin, snapshot.Activities)
		require.NoError(t, err)
		_, err = repo.UpsertSleep(ctx, "user-1", domain.ProviderGarmin, snapshot.Sleep)
		require.NoError(t, err)
		_, err = repo.UpsertDailies(ctx, "user-1", domain.ProviderGarmin, snapshot.Dailies)
		require.NoError(t, err)

		summary, err := repo.Summarize(ctx, "user-1", "", "2026-02-01", "2026-03-01")
		require.NoError(t, err)
		require.Equal(t, 2, summary.Activities.Count)
		require.Equal(t, int64(6300), summary.Activities.DurationSeconds)
		require.Nil(t, summary.Activities.AverageHeartRate)
		require.Equal(t, 1, summary.Sleep.Nights)
		require.InDelta(t, 81, *summary.Sleep.AvgSleepScore, 0.001)
		require.Equal(t, 1, summary.Daily.Days)
		require.Equal(t, int64(8000), summary.Daily.TotalSteps)

		other, err := repo.Summarize(ctx, "user-1", domain.ProviderFitbit, "2026-02-01", "2026-03-01")
		require.NoError(t, err)
		require.Zero(t, other.Activities.Count)
		require.Zero(t, other.Daily.Days)

		before, err := repo.Summarize(ctx, "user-1", "", "2026-01-01", "2026-02-28")
		require.NoError(t, err)
		require.Zero(t, before.Activities.Count)
	})
}

func fixtureSnapshot() domain.Snapshot {
	start := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	steps := 8000
	score := 81
	return domain.Snapshot{
		Activities: []domain.Activity{
			{ExternalID: "act-1", Type: "running", StartTime: start, EndTime: start.Add(45 * time.Minute), DurationSeconds: 2700, Raw: json.RawMessage(`{"summaryId":"act-1"}`)},
			{ExternalID: "act-2", Type: "cycling", StartTime: start.Add(4 * time.Hour), EndTime: start.Add(5 * time.Hour), DurationSeconds: 3600},
		},
		Sleep: []domain.Sleep{
			{ExternalID: "sleep-1", Date: "2026-03-01", StartTime: start.Add(-8 * time.Hour), EndTime: start, DurationSeconds: 28800, SleepScore: &score},
		},
		Dailies: []domain.Daily{
			{Date: "2026-03-01", Steps: &steps},
		},
	}
}

func countRows(t *testing.T, pool *pgxpool.Pool, table string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}
