package postgres

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

// Summarize aggregates a user's records between since and until (DateLayout, inclusive).
// An empty provider covers every provider.
func (r *Repository) Summarize(ctx context.Context, userID string, provider domain.Provider, since, until string) (domain.DataSummary, error) {
	summary := domain.DataSummary{Since: since, Until: until}
	from, err := parseDate(since)
	if err != nil {
		return summary, err
	}
	to, err := parseDate(until)
	if err != nil {
		return summary, err
	}
	args := []any{userID, string(provider), from, to}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a := &summary.Activities
		return r.pool.QueryRow(gctx,
			`SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0), COALESCE(SUM(calories), 0),
                    COALESCE(SUM(distance_meters), 0), COALESCE(SUM(steps), 0), AVG(average_heart_rate)::float8
               FROM wearable_activities
              WHERE user_id = $1 AND ($2 = '' OR provider = $2)
                AND start_time >= $3::date AND start_time < $4::date + 1`, args...).
			Scan(&a.Count, &a.DurationSeconds, &a.Calories, &a.DistanceMeters, &a.Steps, &a.AverageHeartRate)
	})
	g.Go(func() error {
		s := &summary.Sleep
		return r.pool.QueryRow(gctx,
			`SELECT COUNT(*), AVG(duration_seconds)::float8, AVG(deep_sleep_seconds)::float8,
                    AVG(rem_sleep_seconds)::float8, AVG(sleep_score)::float8
               FROM wearable_sleep
              WHERE user_id = $1 AND ($2 = '' OR provider = $2) AND date BETWEEN $3::date AND $4::date`, args...).
			Scan(&s.Nights, &s.AvgDurationSeconds, &s.AvgDeepSleepSeconds, &s.AvgRemSleepSeconds, &s.AvgSleepScore)
	})
	g.Go(func() error {
		d := &summary.Daily
		return r.pool.QueryRow(gctx,
			`SELECT COUNT(*), COALESCE(SUM(steps), 0), AVG(steps)::float8, AVG(calories)::float8,
                    AVG(active_minutes)::float8, AVG(resting_heart_rate)::float8, AVG(stress_level)::float8
               FROM wearable_dailies
              WHERE user_id = $1 AND ($2 = '' OR provider = $2) AND date BETWEEN $3::date AND $4::date`, args...).
			Scan(&d.Days, &d.TotalSteps, &d.AvgSteps, &d.AvgCalories, &d.AvgActiveMinutes, &d.AvgRestingHeartRate, &d.AvgStressLevel)
	})

	if err := g.Wait(); err != nil {
		return summary, fmt.Errorf("summarize %s: %w", userID, err)
	}
	return summary, nil
}
