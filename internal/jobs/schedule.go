package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ParseSchedule validates a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Schedule registers (or updates) a recurring trigger that enqueues name with payload on every
// cron fire. Schedules live in Postgres, so fires missed while no process was running are
// delivered once on the next start.
func (q *Queue) Schedule(ctx context.Context, name, expr string, payload any) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return err
	}
	body, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}

	next := sched.Next(q.now().UTC())
	_, err = q.pool.Exec(ctx,
		`INSERT INTO job_schedules (name, cron, payload, next_run_at, updated_at)
         VALUES ($1, $2, $3, $4, NOW())
         ON CONFLICT (name) DO UPDATE
            SET payload = EXCLUDED.payload,
                next_run_at = CASE WHEN job_schedules.cron = EXCLUDED.cron THEN job_schedules.next_run_at ELSE EXCLUDED.next_run_at END,
                cron = EXCLUDED.cron,
                updated_at = NOW()`,
		name, expr, body, next)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", name, err)
	}

	q.logger.Info("schedule registered", zap.String("job", name), zap.String("cron", expr))
	return nil
}

// Unschedule removes a recurring trigger. Jobs it already created are unaffected.
func (q *Queue) Unschedule(ctx context.Context, name string) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM job_schedules WHERE name = $1`, name)
	return err
}

func (q *Queue) runScheduler(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SchedulePollInterval)
	defer ticker.Stop()

	for {
		if fired, err := q.fireDueSchedules(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("schedule poll failed", zap.Error(err))
		} else if fired > 0 {
			q.logger.Info("schedules fired", zap.Int("count", fired))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type dueSchedule struct {
	name      string
	expr      string
	payload   []byte
	nextRunAt time.Time
}

// fireDueSchedules enqueues one job per due schedule and advances next_run_at in the same
// transaction. The fire time doubles as singleton key, so a fire is never enqueued twice.
func (q *Queue) fireDueSchedules(ctx context.Context) (int, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT name, cron, payload, next_run_at FROM job_schedules
          WHERE next_run_at <= NOW()
          FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, err
	}
	due := make([]dueSchedule, 0)
	for rows.Next() {
		var s dueSchedule
		if err := rows.Scan(&s.name, &s.expr, &s.payload, &s.nextRunAt); err != nil {
			rows.Close()
			return 0, err
		}
		due = append(due, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	fired := 0
	for _, s := range due {
		sched, err := ParseSchedule(s.expr)
		if err != nil {
			q.logger.Error("skipping schedule with invalid cron", zap.String("job", s.name), zap.Error(err))
			continue
		}

		key := s.nextRunAt.UTC().Format(time.RFC3339)
		inserted, err := insertJob(ctx, tx, uuid.NewString(), s.name, s.payload, enqueueOptions{
			singletonKey: key,
			retryLimit:   q.cfg.RetryLimit,
		})
		if err != nil {
			return 0, fmt.Errorf("enqueue scheduled %s: %w", s.name, err)
		}
		if inserted {
			fired++
			scheduledCounter.WithLabelValues(s.name).Inc()
			recordEnqueued(s.name)
		}

		next := sched.Next(q.now().UTC())
		if _, err := tx.Exec(ctx, `UPDATE job_schedules SET next_run_at = $2, updated_at = NOW() WHERE name = $1`, s.name, next); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return fired, nil
}
