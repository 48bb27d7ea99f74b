package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

// Raw ingest data types.
const (
	dataTypeActivity = "activity"
	dataTypeSleep    = "sleep"
	dataTypeDaily    = "daily"
)

const upsertActivitySQL = `INSERT INTO wearable_activities
        (user_id, provider, external_id, type, start_time, end_time, duration_seconds, calories, distance_meters,
         steps, average_heart_rate, max_heart_rate, source, raw, synced_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
    ON CONFLICT (user_id, provider, external_id) DO UPDATE SET
        type = EXCLUDED.type,
        start_time = EXCLUDED.start_time,
        end_time = EXCLUDED.end_time,
        duration_seconds = EXCLUDED.duration_seconds,
        calories = EXCLUDED.calories,
        distance_meters = EXCLUDED.distance_meters,
        steps = EXCLUDED.steps,
        average_heart_rate = EXCLUDED.average_heart_rate,
        max_heart_rate = EXCLUDED.max_heart_rate,
        source = EXCLUDED.source,
        raw = EXCLUDED.raw,
        synced_at = NOW()`

const upsertSleepSQL = `INSERT INTO wearable_sleep
        (user_id, provider, external_id, date, start_time, end_time, duration_seconds, deep_sleep_seconds,
         light_sleep_seconds, rem_sleep_seconds, awake_seconds, sleep_score, stages, raw, synced_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
    ON CONFLICT (user_id, provider, external_id) DO UPDATE SET
        date = EXCLUDED.date,
        start_time = EXCLUDED.start_time,
        end_time = EXCLUDED.end_time,
        duration_seconds = EXCLUDED.duration_seconds,
        deep_sleep_seconds = EXCLUDED.deep_sleep_seconds,
        light_sleep_seconds = EXCLUDED.light_sleep_seconds,
        rem_sleep_seconds = EXCLUDED.rem_sleep_seconds,
        awake_seconds = EXCLUDED.awake_seconds,
        sleep_score = EXCLUDED.sleep_score,
        stages = EXCLUDED.stages,
        raw = EXCLUDED.raw,
        synced_at = NOW()`

const upsertDailySQL = `INSERT INTO wearable_dailies
        (user_id, provider, date, external_id, steps, calories, distance_meters, active_minutes, resting_heart_rate,
         average_heart_rate, max_heart_rate, stress_level, floors_climbed, raw, synced_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
    ON CONFLICT (user_id, provider, date) DO UPDATE SET
        external_id = EXCLUDED.external_id,
        steps = EXCLUDED.steps,
        calories = EXCLUDED.calories,
        distance_meters = EXCLUDED.distance_meters,
        active_minutes = EXCLUDED.active_minutes,
        resting_heart_rate = EXCLUDED.resting_heart_rate,
        average_heart_rate = EXCLUDED.average_heart_rate,
        max_heart_rate = EXCLUDED.max_heart_rate,
        stress_level = EXCLUDED.stress_level,
        floors_climbed = EXCLUDED.floors_climbed,
        raw = EXCLUDED.raw,
        synced_at = NOW()`

const upsertRawIngestSQL = `INSERT INTO wearable_raw_ingest (user_id, provider, data_type, source_id, observed_date, payload, fetched_at)
    VALUES ($1,$2,$3,$4,$5,$6,NOW())
    ON CONFLICT (user_id, provider, data_type, source_id) DO UPDATE SET
        observed_date = EXCLUDED.observed_date,
        payload = EXCLUDED.payload,
        fetched_at = NOW()`

// UpsertActivities stores activities keyed on (user, provider, external id). Each record and its
// raw ingest row commit together; the first failing record aborts the call.
func (r *Repository) UpsertActivities(ctx context.Context, userID string, provider domain.Provider, activities []domain.Activity) (int, error) {
	for i, a := range activities {
		if a.ExternalID == "" {
			return i, fmt.Errorf("activity %d has no external id", i)
		}
		observed, _ := parseDate(a.ObservedDate())
		err := r.upsertRecord(ctx,
			upsertActivitySQL, []any{
				userID, string(provider), a.ExternalID, a.Type, a.StartTime, a.EndTime, a.DurationSeconds,
				a.Calories, a.DistanceMeters, a.Steps, a.AverageHeartRate, a.MaxHeartRate, nullIfEmpty(a.Source), nullJSON(a.Raw),
			},
			rawIngest{userID: userID, provider: provider, dataType: dataTypeActivity, sourceID: a.ExternalID, observed: observed, payload: a.Raw})
		if err != nil {
			return i, fmt.Errorf("upsert activity %s: %w", a.ExternalID, err)
		}
	}
	return len(activities), nil
}

// UpsertSleep stores sleep sessions keyed on (user, provider, external id).
func (r *Repository) UpsertSleep(ctx context.Context, userID string, provider domain.Provider, sessions []domain.Sleep) (int, error) {
	for i, s := range sessions {
		if s.ExternalID == "" {
			return i, fmt.Errorf("sleep %d has no external id", i)
		}
		date, err := parseDate(s.Date)
		if err != nil {
			return i, fmt.Errorf("sleep %s: %w", s.ExternalID, err)
		}
		err = r.upsertRecord(ctx,
			upsertSleepSQL, []any{
				userID, string(provider), s.ExternalID, date, s.StartTime, s.EndTime, s.DurationSeconds,
				s.DeepSleepSeconds, s.LightSleepSeconds, s.RemSleepSeconds, s.AwakeSeconds, s.SleepScore, nullJSON(s.Stages), nullJSON(s.Raw),
			},
			rawIngest{userID: userID, provider: provider, dataType: dataTypeSleep, sourceID: s.ExternalID, observed: date, payload: s.Raw})
		if err != nil {
			return i, fmt.Errorf("upsert sleep %s: %w", s.ExternalID, err)
		}
	}
	return len(sessions), nil
}

// UpsertDailies stores daily summaries keyed on (user, provider, date).
func (r *Repository) UpsertDailies(ctx context.Context, userID string, provider domain.Provider, dailies []domain.Daily) (int, error) {
	for i, d := range dailies {
		date, err := parseDate(d.Date)
		if err != nil {
			return i, fmt.Errorf("daily %d: %w", i, err)
		}
		sourceID := d.ExternalID
		if sourceID == "" {
			sourceID = d.Date
		}
		err = r.upsertRecord(ctx,
			upsertDailySQL, []any{
				userID, string(provider), date, nullIfEmpty(d.ExternalID), d.Steps, d.Calories, d.DistanceMeters,
				d.ActiveMinutes, d.RestingHeartRate, d.AverageHeartRate, d.MaxHeartRate, d.StressLevel, d.FloorsClimbed, nullJSON(d.Raw),
			},
			rawIngest{userID: userID, provider: provider, dataType: dataTypeDaily, sourceID: sourceID, observed: date, payload: d.Raw})
		if err != nil {
			return i, fmt.Errorf("upsert daily %s: %w", d.Date, err)
		}
	}
	return len(dailies), nil
}

type rawIngest struct {
	userID   string
	provider domain.Provider
	dataType string
	sourceID string
	observed time.Time
	payload  json.RawMessage
}

// upsertRecord writes one normalized record and its raw ingest row in a single transaction,
// sent as one batch.
func (r *Repository) upsertRecord(ctx context.Context, stmt string, args []any, raw rawIngest) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var observed any
		if !raw.observed.IsZero() {
			observed = raw.observed
		}

		batch := &pgx.Batch{}
		batch.Queue(stmt, args...)
		batch.Queue(upsertRawIngestSQL, raw.userID, string(raw.provider), raw.dataType, raw.sourceID, observed, nullJSON(raw.payload))
		return tx.SendBatch(ctx, batch).Close()
	})
}
