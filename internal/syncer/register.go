package syncer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
	"github.com/the-governor-hq/bodyPress-backend/internal/jobs"
)

// Registrar is the queue surface used to bind handlers and the fan-out schedule.
type Registrar interface {
	RegisterWorker(name string, handler jobs.HandlerFunc, opts ...jobs.WorkerOption) error
	Schedule(ctx context.Context, name, expr string, payload any) error
}

// Register binds every handler to q and installs the DAILY_FANOUT schedule.
func (w *Worker) Register(ctx context.Context, q Registrar) error {
	perJob := []jobs.WorkerOption{
		jobs.WithConcurrency(w.cfg.Concurrency),
		jobs.WithTimeout(w.cfg.Timeout),
		jobs.OnFailed(w.recordExhausted),
	}

	if err := q.RegisterWorker(domain.JobBackfill, w.HandleBackfill, perJob...); err != nil {
		return fmt.Errorf("register %s: %w", domain.JobBackfill, err)
	}
	if err := q.RegisterWorker(domain.JobSync, w.HandleSync, perJob...); err != nil {
		return fmt.Errorf("register %s: %w", domain.JobSync, err)
	}
	if err := q.RegisterWorker(domain.JobDailyFanout, w.HandleDailyFanout, jobs.WithTimeout(w.cfg.Timeout)); err != nil {
		return fmt.Errorf("register %s: %w", domain.JobDailyFanout, err)
	}

	if w.cfg.FanoutCron != "" {
		if err := q.Schedule(ctx, domain.JobDailyFanout, w.cfg.FanoutCron, nil); err != nil {
			return fmt.Errorf("schedule %s: %w", domain.JobDailyFanout, err)
		}
	}
	return nil
}

// recordExhausted stores the terminal error on the connection so health is visible on reads.
func (w *Worker) recordExhausted(ctx context.Context, job jobs.Job, cause error) {
	var target struct {
		UserID   string          `json:"userId"`
		Provider domain.Provider `json:"provider"`
	}
	if err := job.Decode(&target); err != nil || target.UserID == "" || target.Provider == "" {
		return
	}

	w.logger.Error("sync exhausted retries",
		zap.String("job", job.Name),
		zap.String("job_id", job.ID),
		zap.String("user_id", target.UserID),
		zap.String("provider", string(target.Provider)),
		zap.Error(cause),
	)
	if errors.Is(cause, domain.ErrInvertedWindow) {
		// The request was unusable; the connection itself is fine.
		return
	}
	if err := w.connections.RecordSyncFailure(ctx, target.UserID, target.Provider, cause.Error()); err != nil {
		w.logger.Warn("record sync failure on connection", zap.String("user_id", target.UserID), zap.Error(err))
	}
}
