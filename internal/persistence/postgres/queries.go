package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

// ListActivities returns a page of a user's activities, newest first.
func (r *Repository) ListActivities(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[domain.Activity], *domain.Cursor, error) {
	query, args, err := buildRecordQuery(
		`SELECT id, provider, synced_at, external_id, type, start_time, end_time, duration_seconds, calories,
                distance_meters, steps, average_heart_rate, max_heart_rate, COALESCE(source, ''), raw
           FROM wearable_activities`, "start_time", "start_time::date", q)
	if err != nil {
		return nil, nil, err
	}
	return listRecords(ctx, r, query, args, q.Limit, func(rows pgx.Rows) (domain.Stored[domain.Activity], time.Time, error) {
		var s domain.Stored[domain.Activity]
		var raw []byte
		a := &s.Record
		err := rows.Scan(&s.RowID, &s.Provider, &s.SyncedAt, &a.ExternalID, &a.Type, &a.StartTime, &a.EndTime, &a.DurationSeconds,
			&a.Calories, &a.DistanceMeters, &a.Steps, &a.AverageHeartRate, &a.MaxHeartRate, &a.Source, &raw)
		a.Raw = raw
		return s, a.StartTime, err
	})
}

// ListSleep returns a page of a user's sleep sessions, newest night first.
func (r *Repository) ListSleep(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[domain.Sleep], *domain.Cursor, error) {
	query, args, err := buildRecordQuery(
		`SELECT id, provider, synced_at, external_id, date, start_time, end_time, duration_seconds, deep_sleep_seconds,
                light_sleep_seconds, rem_sleep_seconds, awake_seconds, sleep_score, stages, raw
           FROM wearable_sleep`, "date", "date", q)
	if err != nil {
		return nil, nil, err
	}
	return listRecords(ctx, r, query, args, q.Limit, func(rows pgx.Rows) (domain.Stored[domain.Sleep], time.Time, error) {
		var st domain.Stored[domain.Sleep]
		var date time.Time
		var stages, raw []byte
		s := &st.Record
		err := rows.Scan(&st.RowID, &st.Provider, &st.SyncedAt, &s.ExternalID, &date, &s.StartTime, &s.EndTime, &s.DurationSeconds,
			&s.DeepSleepSeconds, &s.LightSleepSeconds, &s.RemSleepSeconds, &s.AwakeSeconds, &s.SleepScore, &stages, &raw)
		s.Date = date.Format(domain.DateLayout)
		s.Stages = stages
		s.Raw = raw
		return st, date, err
	})
}

// ListDailies returns a page of a user's daily summaries, newest day first.
func (r *Repository) ListDailies(ctx context.Context, q domain.RecordQuery) ([]domain.Stored[domain.Daily], *domain.Cursor, error) {
	query, args, err := buildRecordQuery(
		`SELECT id, provider, synced_at, COALESCE(external_id, ''), date, steps, calories, distance_meters, active_minutes,
                resting_heart_rate, average_heart_rate, max_heart_rate, stress_level, floors_climbed, raw
           FROM wearable_dailies`, "date", "date", q)
	if err != nil {
		return nil, nil, err
	}
	return listRecords(ctx, r, query, args, q.Limit, func(rows pgx.Rows) (domain.Stored[domain.Daily], time.Time, error) {
		var st domain.Stored[domain.Daily]
		var date time.Time
		var raw []byte
		d := &st.Record
		err := rows.Scan(&st.RowID, &st.Provider, &st.SyncedAt, &d.ExternalID, &date, &d.Steps, &d.Calories, &d.DistanceMeters,
			&d.ActiveMinutes, &d.RestingHeartRate, &d.AverageHeartRate, &d.MaxHeartRate, &d.StressLevel, &d.FloorsClimbed, &raw)
		d.Date = date.Format(domain.DateLayout)
		d.Raw = raw
		return st, date, err
	})
}

// buildRecordQuery appends user, provider, date and keyset filters to base. orderExpr is the
// timestamp the page is ordered by and dateExpr the calendar date used for range filters.
func buildRecordQuery(base, orderExpr, dateExpr string, q domain.RecordQuery) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString(" WHERE user_id = $1")
	args := []any{q.UserID}

	if q.Provider != "" {
		args = append(args, string(q.Provider))
		fmt.Fprintf(&sb, " AND provider = $%d", len(args))
	}
	if q.Start != "" {
		start, err := parseDate(q.Start)
		if err != nil {
			return "", nil, err
		}
		args = append(args, start)
		fmt.Fprintf(&sb, " AND %s >= $%d::date", dateExpr, len(args))
	}
	if q.End != "" {
		end, err := parseDate(q.End)
		if err != nil {
			return "", nil, err
		}
		args = append(args, end)
		fmt.Fprintf(&sb, " AND %s <= $%d::date", dateExpr, len(args))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.At, q.Cursor.ID)
		fmt.Fprintf(&sb, " AND (%s, id) < ($%d, $%d)", orderExpr, len(args)-1, len(args))
	}

	args = append(args, q.Limit)
	fmt.Fprintf(&sb, " ORDER BY %s DESC, id DESC LIMIT $%d", orderExpr, len(args))
	return sb.String(), args, nil
}

func listRecords[T any](ctx context.Context, r *Repository, query string, args []any, limit int,
	scan func(pgx.Rows) (domain.Stored[T], time.Time, error)) ([]domain.Stored[T], *domain.Cursor, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.Stored[T], 0, limit)
	var lastAt time.Time
	for rows.Next() {
		record, at, err := scan(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, record)
		lastAt = at
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		next = &domain.Cursor{At: lastAt, ID: results[len(results)-1].RowID}
	}
	return results, next, nil
}
