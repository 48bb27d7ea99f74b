//go:build integration

package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/persistence/postgres"
	"github.com/the-governor-hq/bodyPress-backend/internal/testsupport"
)

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	pool := testsupport.StartPostgres(ctx, t)

	reset := func(t *testing.T) {
		testsupport.Truncate(ctx, t, pool, "outbox", "wearable_connections")
	}

	t.Run("publishes watermark events and marks them published", func(t *testing.T) {
		reset(t)
		repo := postgres.NewRepository(pool, postgres.WithEventsTopic("wearables.sync.v1"))
		_, _, err := repo.UpsertConnection(ctx, "user-1", domain.ProviderGarmin, "G-1")
		require.NoError(t, err)
		_, err = repo.AdvanceWatermark(ctx, domain.SyncSummary{UserID: "user-1", Provider: domain.ProviderGarmin, Activities: 2})
		require.NoError(t, err)

		producer := &stubProducer{}
		dispatcher := NewDispatcher(pool, producer, Config{BatchSize: 5}, zaptest.NewLogger(t))

		beforeDelivered := testutil.ToFloat64(deliveredCounter)
		beforeHistogram := histogramSampleCount(t)

		require.NoError(t, dispatcher.processBatch(ctx))

		require.Len(t, producer.writes, 1)
		require.Equal(t, "wearables.sync.v1", producer.writes[0].topic)
		msg := producer.writes[0].messages[0]
		require.Equal(t, "user-1:garmin", string(msg.Key))
		require.Equal(t, "wearable.sync_completed", headerValue(msg, "event_type"))

		require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)
		require.Greater(t, histogramSampleCount(t), beforeHistogram)
		require.Equal(t, 1, countPublished(t, pool))

		require.NoError(t, dispatcher.processBatch(ctx))
		require.Len(t, producer.writes, 1, "published rows are not sent again")
	})

	t.Run("failed deliveries back off and stop after max attempts", func(t *testing.T) {
		reset(t)
		id := seedOutbox(t, pool, "wearables.sync.v1")

		producer := &stubProducer{err: func(string, []kafka.Message) error { return errors.New("kafka write failed") }}
		dispatcher := NewDispatcher(pool, producer, Config{MaxAttempts: 2, RetryDelay: time.Hour}, zaptest.NewLogger(t))

		beforeFailed := testutil.ToFloat64(failedCounter)
		require.NoError(t, dispatcher.processBatch(ctx))
		require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001)

		var attempts int
		var nextAttempt time.Time
		var lastError string
		require.NoError(t, pool.QueryRow(ctx, `SELECT attempts, next_attempt_at, last_error FROM outbox WHERE event_id = $1`, id).
			Scan(&attempts, &nextAttempt, &lastError))
		require.Equal(t, 1, attempts)
		require.True(t, nextAttempt.After(time.Now().Add(30*time.Minute)))
		require.Contains(t, lastError, "kafka write failed")

		require.NoError(t, dispatcher.processBatch(ctx))
		require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001, "row is not due yet")

		_, err := pool.Exec(ctx, `UPDATE outbox SET next_attempt_at = NOW() WHERE event_id = $1`, id)
		require.NoError(t, err)
		beforeExhausted := testutil.ToFloat64(exhaustedCounter.WithLabelValues("wearables.sync.v1"))
		require.NoError(t, dispatcher.processBatch(ctx))
		require.InDelta(t, beforeExhausted+1, testutil.ToFloat64(exhaustedCounter.WithLabelValues("wearables.sync.v1")), 0.0001)

		_, err = pool.Exec(ctx, `UPDATE outbox SET next_attempt_at = NOW() WHERE event_id = $1`, id)
		require.NoError(t, err)
		producer.err = nil
		require.NoError(t, dispatcher.processBatch(ctx))
		require.Empty(t, producer.writes, "exhausted rows wait for an operator")
		require.Zero(t, countPublished(t, pool))
	})

	t.Run("recovered events are published", func(t *testing.T) {
		reset(t)
		seedOutbox(t, pool, "wearables.sync.v1")
		_, err := pool.Exec(ctx, `UPDATE outbox SET attempts = 1, last_error = 'boom'`)
		require.NoError(t, err)

		producer := &stubProducer{}
		require.NoError(t, NewDispatcher(pool, producer, Config{}, zaptest.NewLogger(t)).processBatch(ctx))
		require.Equal(t, 1, countPublished(t, pool))

		var lastError *string
		require.NoError(t, pool.QueryRow(ctx, `SELECT last_error FROM outbox`).Scan(&lastError))
		require.Nil(t, lastError)
	})
}

func seedOutbox(t *testing.T, pool *pgxpool.Pool, topic string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, pool.QueryRow(context.Background(),
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload)
         VALUES ('connection', 'user-1:fitbit', 'wearable.sync_completed', $1, 'user-1:fitbit', '{"user_id":"user-1"}')
      RETURNING event_id`, topic).Scan(&id))
	return id
}

func countPublished(t *testing.T, pool *pgxpool.Pool) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&n))
	return n
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}
