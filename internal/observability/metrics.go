// Package observability holds process-wide storage metrics shared by the api and worker binaries.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsUpserted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "storage",
		Name:      "records_upserted_total",
		Help:      "Normalized records upserted, by record type and provider.",
	}, []string{"type", "provider"})
	snapshotFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "storage",
		Name:      "snapshot_failures_total",
		Help:      "Snapshots that stopped before the watermark advanced, by failing stage.",
	}, []string{"stage", "provider"})
	watermarkGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wearables",
		Subsystem: "storage",
		Name:      "last_watermark_timestamp_seconds",
		Help:      "Unix timestamp of the most recent connection watermark advance.",
	})
)

func init() {
	prometheus.MustRegister(recordsUpserted, snapshotFailures, watermarkGauge)
}

// RecordUpserted counts n stored records of one type.
func RecordUpserted(recordType, provider string, n int) {
	if n <= 0 {
		return
	}
	recordsUpserted.WithLabelValues(recordType, provider).Add(float64(n))
}

// RecordSnapshotFailure counts a snapshot that failed at stage.
func RecordSnapshotFailure(stage, provider string) {
	snapshotFailures.WithLabelValues(stage, provider).Inc()
}

// RecordWatermark updates the watermark gauge.
func RecordWatermark(ts time.Time) {
	if ts.IsZero() {
		return
	}
	watermarkGauge.Set(float64(ts.Unix()))
}
