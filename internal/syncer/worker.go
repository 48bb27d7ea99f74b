// Package syncer implements the queue handlers that pull wearable data and hand it to storage.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
	"github.com/the-governor-hq/bodyPress-backend/internal/provider"
)

// ConnectionStore is the connection surface the handlers read and annotate.
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID string, provider domain.Provider) (*domain.Connection, error)
	ListActiveConnections(ctx context.Context) ([]domain.Connection, error)
	RecordSyncFailure(ctx context.Context, userID string, provider domain.Provider, reason string) error
}

// AdapterSource resolves provider adapters.
type AdapterSource interface {
	Get(provider domain.Provider) (provider.Adapter, error)
}

// SnapshotSaver persists a fetched snapshot and advances the watermark.
type SnapshotSaver interface {
	Save(ctx context.Context, snapshot domain.Snapshot) (domain.SyncSummary, error)
}

// Enqueuer adds jobs to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...jobs.EnqueueOption) (string, error)
}

// Config tunes the handlers.
type Config struct {
	BackfillDays int
	TrailingDays int
	Concurrency  int
	Timeout      time.Duration
	FanoutCron   string
}

// Worker handles BACKFILL, SYNC and DAILY_FANOUT jobs.
type Worker struct {
	connections ConnectionStore
	adapters    AdapterSource
	sink        SnapshotSaver
	queue       Enqueuer
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

// NewWorker constructs a Worker.
func NewWorker(connections ConnectionStore, adapters AdapterSource, sink SnapshotSaver, queue Enqueuer, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BackfillDays <= 0 {
		cfg.BackfillDays = 60
	}
	if cfg.TrailingDays <= 0 {
		cfg.TrailingDays = 2
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		connections: connections,
		adapters:    adapters,
		sink:        sink,
		queue:       queue,
		cfg:         cfg,
		logger:      logger.Named("syncer"),
		now:         time.Now,
	}
}

// HandleBackfill imports DaysBack days of history for a connection.
func (w *Worker) HandleBackfill(ctx context.Context, job jobs.Job) error {
	var payload domain.BackfillPayload
	if err := job.Decode(&payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode backfill payload: %w", err))
	}
	if payload.DaysBack == 0 {
		payload.DaysBack = w.cfg.BackfillDays
	}
	if err := payload.Validate(); err != nil {
		return jobs.Permanent(err)
	}

	adapter, conn, err := w.resolve(ctx, payload.UserID, payload.Provider)
	if err != nil || conn == nil {
		return err
	}

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("user_id", payload.UserID), zap.String("provider", string(payload.Provider)))
	logger.Info("backfill started", zap.Int("days_back", payload.DaysBack))

	snapshot, err := adapter.Backfill(ctx, payload.UserID, payload.DaysBack)
	if err != nil {
		return classifyAdapterError(job, fmt.Errorf("backfill %d days: %w", payload.DaysBack, err))
	}
	snapshot.UserID = payload.UserID
	snapshot.Provider = payload.Provider

	if _, err := w.sink.Save(ctx, snapshot); err != nil {
		return err
	}
	logger.Info("backfill completed", zap.Int("records", snapshot.Size()))
	return nil
}

// HandleSync pulls activities, sleep and dailies for a window and stores them. Omitted dates come
// from the default trailing window.
func (w *Worker) HandleSync(ctx context.Context, job jobs.Job) error {
	var payload domain.SyncPayload
	if err := job.Decode(&payload); err != nil {
		return jobs.Permanent(fmt.Errorf("decode sync payload: %w", err))
	}
	if err := payload.Validate(); err != nil {
		return jobs.Permanent(err)
	}

	adapter, conn, err := w.resolve(ctx, payload.UserID, payload.Provider)
	if err != nil || conn == nil {
		return err
	}

	window := w.SyncWindow(payload)
	if err := window.Validate(); err != nil {
		return jobs.Permanent(fmt.Errorf("sync window %s..%s: %w", window.Start, window.End, err))
	}

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("user_id", payload.UserID), zap.String("provider", string(payload.Provider)))
	logger.Debug("sync started", zap.String("start", window.Start), zap.String("end", window.End))

	snapshot, err := fetchWindow(ctx, adapter, provider.Range{UserID: payload.UserID, Window: window})
	if err != nil {
		return classifyAdapterError(job, fmt.Errorf("sync %s..%s: %w", window.Start, window.End, err))
	}
	snapshot.UserID = payload.UserID
	snapshot.Provider = payload.Provider

	if _, err := w.sink.Save(ctx, snapshot); err != nil {
		return err
	}
	logger.Info("sync completed", zap.String("start", window.Start), zap.String("end", window.End), zap.Int("records", snapshot.Size()))
	return nil
}

// SyncWindow resolves the payload dates against the default trailing window.
func (w *Worker) SyncWindow(payload domain.SyncPayload) domain.Window {
	return payload.ResolveWindow(w.now(), w.cfg.TrailingDays)
}

// HandleDailyFanout enqueues one SYNC job per active connection without waiting for any of them.
func (w *Worker) HandleDailyFanout(ctx context.Context, job jobs.Job) error {
	connections, err := w.connections.ListActiveConnections(ctx)
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}
	if len(connections) == 0 {
		w.logger.Info("daily fan-out found no active connections", zap.String("job_id", job.ID))
		return nil
	}

	queued, skipped := 0, 0
	var errs []error
	for _, conn := range connections {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := w.queue.Enqueue(ctx, domain.JobSync,
			domain.SyncPayload{UserID: conn.UserID, Provider: conn.Provider},
			jobs.WithSingletonKey(job.ID+":"+conn.ID))
		switch {
		case err == nil:
			queued++
		case errors.Is(err, jobs.ErrDuplicateJob):
			// Queued by an earlier attempt of this fan-out.
			skipped++
		default:
			errs = append(errs, fmt.Errorf("enqueue sync for %s/%s: %w", conn.UserID, conn.Provider, err))
		}
	}

	w.logger.Info("daily fan-out enqueued syncs",
		zap.String("job_id", job.ID),
		zap.Int("connections", len(connections)),
		zap.Int("queued", queued),
		zap.Int("already_queued", skipped),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// resolve returns the adapter and connection for a job. A nil connection with a nil error means
// the connection was disconnected and the job should complete without work.
func (w *Worker) resolve(ctx context.Context, userID string, p domain.Provider) (provider.Adapter, *domain.Connection, error) {
	adapter, err := w.adapters.Get(p)
	if err != nil {
		return nil, nil, jobs.Permanent(err)
	}

	conn, err := w.connections.GetConnection(ctx, userID, p)
	if err != nil {
		if errors.Is(err, domain.ErrConnectionNotFound) {
			return nil, nil, jobs.Permanent(fmt.Errorf("%w: %s/%s", err, userID, p))
		}
		return nil, nil, fmt.Errorf("load connection: %w", err)
	}
	if conn.Status != domain.ConnectionActive {
		w.logger.Info("skipping job for inactive connection", zap.String("user_id", userID), zap.String("provider", string(p)), zap.String("status", string(conn.Status)))
		return nil, nil, nil
	}
	return adapter, conn, nil
}

// fetchWindow fetches the three record types concurrently. The first failure cancels the others.
func fetchWindow(ctx context.Context, adapter provider.Adapter, r provider.Range) (domain.Snapshot, error) {
	var snapshot domain.Snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		activities, err := adapter.Activities(gctx, r)
		if err != nil {
			return fmt.Errorf("activities: %w", err)
		}
		snapshot.Activities = activities
		return nil
	})
	g.Go(func() error {
		sleep, err := adapter.Sleep(gctx, r)
		if err != nil {
			return fmt.Errorf("sleep: %w", err)
		}
		snapshot.Sleep = sleep
		return nil
	})
	g.Go(func() error {
		dailies, err := adapter.Dailies(gctx, r)
		if err != nil {
			return fmt.Errorf("dailies: %w", err)
		}
		snapshot.Dailies = dailies
		return nil
	})

	if err := g.Wait(); err != nil {
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

// classifyAdapterError keeps adapter failures transient unless the gateway answered with a
// client error that no retry can fix. A 401 gets one retry since the gateway refreshes expired
// provider tokens on the next call.
func classifyAdapterError(job jobs.Job, err error) error {
	var gwErr *provider.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Temporary() {
		return err
	}
	if gwErr.Status == http.StatusUnauthorized && job.RetryCount == 0 {
		return err
	}
	return jobs.Permanent(err)
}
