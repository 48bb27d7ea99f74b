// Package jobs implements a durable Postgres-backed job queue with retries and recurring schedules.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// State is the lifecycle state of a job row.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateRetry     State = "retry"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a queued unit of work as stored in the jobs table.
type Job struct {
	ID           string
	Name         string
	Payload      json.RawMessage
	State        State
	RetryCount   int
	RetryLimit   int
	SingletonKey *string
	StartAfter   time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastError    *string
	CreatedAt    time.Time
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(j.Payload, v)
}

// Config tunes polling, retry and retention behaviour.
type Config struct {
	PollInterval         time.Duration
	SchedulePollInterval time.Duration
	RetryLimit           int
	RetryDelay           time.Duration
	Timeout              time.Duration
	Retention            time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SchedulePollInterval <= 0 {
		c.SchedulePollInterval = 30 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	return c
}

// leaseGrace is added to the handler timeout before an active job counts as abandoned.
const leaseGrace = time.Minute

const jobColumns = `id, name, payload, state, retry_count, retry_limit, singleton_key, start_after, started_at, completed_at, last_error, created_at`

// Queue persists jobs in Postgres and dispatches them to registered workers.
type Queue struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Queue. Nothing runs until Start is called.
func New(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pool:    pool,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("jobs"),
		now:     time.Now,
		workers: make(map[string]*worker),
	}
}

// EnqueueOption customises a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	singletonKey string
	startAfter   *time.Time
	retryLimit   int
}

// WithSingletonKey rejects the insert with ErrDuplicateJob when a job with the same name and key exists.
func WithSingletonKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.singletonKey = key }
}

// WithStartAfter delays the first attempt until t.
func WithStartAfter(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.startAfter = &t }
}

// WithRetryLimit overrides the queue-wide retry limit for this job.
func WithRetryLimit(limit int) EnqueueOption {
	return func(o *enqueueOptions) { o.retryLimit = limit }
}

// Enqueue durably records a job and returns its id. The job is visible to workers once the insert commits.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{retryLimit: q.cfg.RetryLimit}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", name, err)
	}

	id := uuid.NewString()
	inserted, err := insertJob(ctx, q.pool, id, name, body, o)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	if !inserted {
		return "", ErrDuplicateJob
	}

	recordEnqueued(name)
	return id, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertJob(ctx context.Context, db execer, id, name string, body []byte, o enqueueOptions) (bool, error) {
	const stmt = `INSERT INTO jobs (id, name, payload, state, retry_limit, singleton_key, start_after)
        VALUES ($1, $2, $3, 'created', $4, $5, COALESCE($6, NOW()))
        ON CONFLICT (name, singleton_key) DO NOTHING`

	tag, err := db.Exec(ctx, stmt, id, name, body, o.retryLimit, nullIfEmpty(o.singletonKey), o.startAfter)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return []byte(`{}`), nil
		}
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// Start launches worker loops, the schedule loop and lease maintenance. Call Stop to shut them down.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueStarted
	}
	q.started = true

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for _, w := range q.workers {
		q.wg.Add(1)
		go func(w *worker) {
			defer q.wg.Done()
			q.runWorker(runCtx, w)
		}(w)
	}

	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		q.runScheduler(runCtx)
	}()
	go func() {
		defer q.wg.Done()
		q.runMaintenance(runCtx)
	}()

	q.logger.Info("queue started", zap.Int("workers", len(q.workers)), zap.Duration("poll_interval", q.cfg.PollInterval))
	return nil
}

// Stop cancels all loops and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Get loads a single job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListFailed returns the most recently failed jobs for operator review.
func (q *Queue) ListFailed(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = 'failed' ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Retry moves a failed job back to created with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs
            SET state = 'created', retry_count = 0, start_after = NOW(), started_at = NULL,
                expire_at = NULL, completed_at = NULL, last_error = NULL
          WHERE id = $1 AND state = 'failed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	q.logger.Info("failed job requeued", zap.String("job_id", id))
	return nil
}

// expireLeases returns abandoned active jobs to the queue, or fails them when no retries remain.
// Failed jobs reach the worker's OnFailed hook like any other terminal failure.
func (q *Queue) expireLeases(ctx context.Context) (int, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE jobs
            SET state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
                retry_count = CASE WHEN retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
                completed_at = CASE WHEN retry_count < retry_limit THEN NULL ELSE NOW() END,
                start_after = NOW(),
                expire_at = NULL,
                last_error = $1
          WHERE state = 'active' AND expire_at < NOW()
      RETURNING `+jobColumns, ErrLeaseExpired.Error())
	if err != nil {
		return 0, err
	}

	var expired []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, job := range expired {
		expiredCounter.Inc()
		if job.State != StateFailed {
			q.logger.Warn("job lease expired, requeued", zap.String("job", job.Name), zap.String("job_id", job.ID), zap.Int("retry_count", job.RetryCount))
			continue
		}
		recordFailed(job.Name)
		q.logger.Error("job failed after lease expiry",
			zap.String("job", job.Name),
			zap.String("job_id", job.ID),
			zap.Int("retry_count", job.RetryCount),
			zap.ByteString("payload", job.Payload),
		)
		if w := q.workerFor(job.Name); w != nil && w.onFailed != nil {
			w.onFailed(ctx, job, ErrLeaseExpired)
		}
	}
	return len(expired), nil
}

func (q *Queue) workerFor(name string) *worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers[name]
}

// purgeCompleted deletes completed jobs older than the retention window.
func (q *Queue) purgeCompleted(ctx context.Context) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM jobs WHERE state = 'completed' AND completed_at < NOW() - make_interval(secs => $1)`,
		q.cfg.Retention.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queue) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SchedulePollInterval)
	defer ticker.Stop()

	for {
		if n, err := q.expireLeases(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("lease expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			q.logger.Info("expired job leases", zap.Int("count", n))
		}
		if n, err := q.purgeCompleted(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("completed job purge failed", zap.Error(err))
		} else if n > 0 {
			q.logger.Debug("purged completed jobs", zap.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var job Job
	var payload []byte
	if err := row.Scan(&job.ID, &job.Name, &payload, &job.State, &job.RetryCount, &job.RetryLimit, &job.SingletonKey,
		&job.StartAfter, &job.StartedAt, &job.CompletedAt, &job.LastError, &job.CreatedAt); err != nil {
		return Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	return job, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
