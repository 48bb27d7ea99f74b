// Package storage persists fetched snapshots and advances the connection watermark.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/observability"
)

// RecordWriter is the persistence surface the sink needs.
type RecordWriter interface {
	UpsertActivities(ctx context.Context, userID string, provider domain.Provider, activities []domain.Activity) (int, error)
	UpsertSleep(ctx context.Context, userID string, provider domain.Provider, sessions []domain.Sleep) (int, error)
	UpsertDailies(ctx context.Context, userID string, provider domain.Provider, dailies []domain.Daily) (int, error)
	AdvanceWatermark(ctx context.Context, summary domain.SyncSummary) (time.Time, error)
}

// Sink writes normalized snapshots. Saving the same snapshot twice leaves the same stored state.
type Sink struct {
	writer RecordWriter
	logger *zap.Logger
}

// NewSink constructs a Sink.
func NewSink(writer RecordWriter, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writer: writer, logger: logger.Named("storage")}
}

// Save upserts activities, then sleep, then dailies, and only then advances the watermark.
// Any failure returns before the watermark moves, so a retry re-fetches the same window.
func (s *Sink) Save(ctx context.Context, snapshot domain.Snapshot) (domain.SyncSummary, error) {
	provider := string(snapshot.Provider)
	summary := domain.SyncSummary{UserID: snapshot.UserID, Provider: snapshot.Provider}

	var err error
	if summary.Activities, err = s.writer.UpsertActivities(ctx, snapshot.UserID, snapshot.Provider, snapshot.Activities); err != nil {
		return s.fail(summary, "activities", err)
	}
	observability.RecordUpserted("activity", provider, summary.Activities)

	if summary.Sleep, err = s.writer.UpsertSleep(ctx, snapshot.UserID, snapshot.Provider, snapshot.Sleep); err != nil {
		return s.fail(summary, "sleep", err)
	}
	observability.RecordUpserted("sleep", provider, summary.Sleep)

	if summary.Dailies, err = s.writer.UpsertDailies(ctx, snapshot.UserID, snapshot.Provider, snapshot.Dailies); err != nil {
		return s.fail(summary, "dailies", err)
	}
	observability.RecordUpserted("daily", provider, summary.Dailies)

	syncedAt, err := s.writer.AdvanceWatermark(ctx, summary)
	if err != nil {
		return s.fail(summary, "watermark", err)
	}
	summary.SyncedAt = syncedAt
	observability.RecordWatermark(syncedAt)

	s.logger.Info("snapshot stored",
		zap.String("user_id", summary.UserID),
		zap.String("provider", provider),
		zap.Int("activities", summary.Activities),
		zap.Int("sleep", summary.Sleep),
		zap.Int("dailies", summary.Dailies),
	)
	return summary, nil
}

func (s *Sink) fail(summary domain.SyncSummary, stage string, err error) (domain.SyncSummary, error) {
	observability.RecordSnapshotFailure(stage, string(summary.Provider))
	return summary, fmt.Errorf("store %s for %s/%s: %w", stage, summary.UserID, summary.Provider, err)
}
