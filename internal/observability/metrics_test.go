package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordUpsertedIgnoresEmptyBatches(t *testing.T) {
	before := testutil.ToFloat64(recordsUpserted.WithLabelValues("sleep", "fitbit"))
	RecordUpserted("sleep", "fitbit", 0)
	RecordUpserted("sleep", "fitbit", 3)
	require.InDelta(t, before+3, testutil.ToFloat64(recordsUpserted.WithLabelValues("sleep", "fitbit")), 0.0001)
}

func TestRecordWatermark(t *testing.T) {
	ts := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	RecordWatermark(ts)
	RecordWatermark(time.Time{})
	require.Equal(t, float64(ts.Unix()), testutil.ToFloat64(watermarkGauge))

	before := testutil.ToFloat64(snapshotFailures.WithLabelValues("sleep", "garmin"))
	RecordSnapshotFailure("sleep", "garmin")
	require.InDelta(t, before+1, testutil.ToFloat64(snapshotFailures.WithLabelValues("sleep", "garmin")), 0.0001)
}
