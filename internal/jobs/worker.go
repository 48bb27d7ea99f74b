package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// HandlerFunc processes one claimed job. A nil return completes the job; an error schedules a retry
// or fails it once the retry limit is reached.
type HandlerFunc func(ctx context.Context, job Job) error

// FailureHook observes jobs that reached the failed state.
type FailureHook func(ctx context.Context, job Job, err error)

// WorkerOption configures a registered worker.
type WorkerOption func(*worker)

// WithConcurrency sets how many jobs of this name run at once in this process.
func WithConcurrency(n int) WorkerOption {
	return func(w *worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithTimeout bounds a single handler invocation.
func WithTimeout(d time.Duration) WorkerOption {
	return func(w *worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// OnFailed registers a hook invoked after a job is marked failed.
func OnFailed(hook FailureHook) WorkerOption {
	return func(w *worker) { w.onFailed = hook }
}

type worker struct {
	name        string
	handler     HandlerFunc
	concurrency int
	timeout     time.Duration
	onFailed    FailureHook
}

// RegisterWorker binds handler to jobs named name. Workers must be registered before Start.
func (q *Queue) RegisterWorker(name string, handler HandlerFunc, opts ...WorkerOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueStarted
	}
	if _, exists := q.workers[name]; exists {
		return fmt.Errorf("worker already registered for %s", name)
	}

	w := &worker{
		name:        name,
		handler:     handler,
		concurrency: 1,
		timeout:     q.cfg.Timeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	q.workers[name] = w
	return nil
}

func (q *Queue) runWorker(ctx context.Context, w *worker) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	logger := q.logger.With(zap.String("job", w.name))
	logger.Info("worker started", zap.Int("concurrency", w.concurrency), zap.Duration("timeout", w.timeout))

	for {
		claimed, err := q.processBatch(ctx, w)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker poll failed", zap.Error(err))
		}

		// A full batch suggests more work is waiting, so poll again without sleeping.
		if claimed == w.concurrency && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) processBatch(ctx context.Context, w *worker) (int, error) {
	claimed, err := q.claim(ctx, w.name, w.concurrency, w.timeout+leaseGrace)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, job := range claimed {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			q.execute(ctx, w, job)
		}(job)
	}
	wg.Wait()
	return len(claimed), nil
}

// claim atomically moves up to limit ready jobs to active. SKIP LOCKED keeps concurrent
// workers from claiming the same row.
func (q *Queue) claim(ctx context.Context, name string, limit int, lease time.Duration) ([]Job, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM jobs
          WHERE name = $1 AND state IN ('created', 'retry') AND start_after <= NOW()
          ORDER BY start_after, created_at
          LIMIT $2
          FOR UPDATE SKIP LOCKED`, name, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err = tx.Query(ctx,
		`UPDATE jobs
            SET state = 'active', started_at = NOW(), expire_at = NOW() + make_interval(secs => $2)
          WHERE id = ANY($1)
      RETURNING `+jobColumns, ids, lease.Seconds())
	if err != nil {
		return nil, err
	}
	claimed := make([]Job, 0, len(ids))
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Queue) execute(ctx context.Context, w *worker, job Job) {
	logger := q.logger.With(zap.String("job", job.Name), zap.String("job_id", job.ID), zap.Int("attempt", job.RetryCount+1))

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	start := time.Now()
	err := invoke(runCtx, w.handler, job)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	handlerDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	// State transitions must land even while the worker is shutting down.
	stateCtx, stateCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stateCancel()

	switch {
	case err == nil:
		if completeErr := q.complete(stateCtx, job); completeErr != nil {
			logger.Error("mark job completed", zap.Error(completeErr))
			return
		}
		recordCompleted(job.Name)
		logger.Debug("job completed", zap.Duration("duration", time.Since(start)))
	case ctx.Err() != nil && !timedOut:
		if releaseErr := q.release(stateCtx, job); releaseErr != nil {
			logger.Error("release job on shutdown", zap.Error(releaseErr))
			return
		}
		logger.Info("job released for shutdown")
	default:
		if timedOut {
			err = fmt.Errorf("handler timed out after %s: %w", w.timeout, err)
		}
		q.fail(stateCtx, w, job, err, logger)
	}
}

func invoke(ctx context.Context, handler HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) complete(ctx context.Context, job Job) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE jobs SET state = 'completed', completed_at = NOW(), expire_at = NULL, last_error = NULL
          WHERE id = $1 AND state = 'active' AND started_at = $2`, job.ID, job.StartedAt)
	return err
}

// release returns a job interrupted by shutdown to the queue without consuming a retry.
func (q *Queue) release(ctx context.Context, job Job) error {
	_, err := q.pool.Exec(ctx,
		`UPDATE jobs SET state = 'retry', start_after = NOW(), expire_at = NULL
          WHERE id = $1 AND state = 'active' AND started_at = $2`, job.ID, job.StartedAt)
	return err
}

func (q *Queue) fail(ctx context.Context, w *worker, job Job, cause error, logger *zap.Logger) {
	reason := cause.Error()

	if !IsPermanent(cause) && job.RetryCount < job.RetryLimit {
		delay := Backoff(job.RetryCount+1, q.cfg.RetryDelay)
		if _, err := q.pool.Exec(ctx,
			`UPDATE jobs
                SET state = 'retry',
                    retry_count = retry_count + 1,
                    start_after = NOW() + make_interval(secs => $3),
                    expire_at = NULL,
                    last_error = $4
              WHERE id = $1 AND state = 'active' AND started_at = $2`,
			job.ID, job.StartedAt, delay.Seconds(), reason,
		); err != nil {
			logger.Error("schedule job retry", zap.Error(err), zap.NamedError("cause", cause))
			return
		}
		recordRetry(job.Name)
		logger.Warn("job failed, retry scheduled", zap.Error(cause), zap.Duration("delay", delay), zap.Int("retry_limit", job.RetryLimit))
		return
	}

	if _, err := q.pool.Exec(ctx,
		`UPDATE jobs
            SET state = 'failed', completed_at = NOW(), expire_at = NULL, last_error = $3
          WHERE id = $1 AND state = 'active' AND started_at = $2`,
		job.ID, job.StartedAt, reason,
	); err != nil {
		logger.Error("mark job failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	recordFailed(job.Name)
	logger.Error("job failed",
		zap.Error(cause),
		zap.Bool("permanent", IsPermanent(cause)),
		zap.ByteString("payload", job.Payload),
	)

	if w.onFailed != nil {
		job.State = StateFailed
		job.LastError = &reason
		w.onFailed(ctx, job, cause)
	}
}
