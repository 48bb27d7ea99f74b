package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/the-governor-hq/bodyPress-backend/internal/domain"
)

var requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "wearables",
	Subsystem: "provider",
	Name:      "request_duration_seconds",
	Help:      "Latency of provider gateway requests by provider, resource and outcome.",
	Buckets:   prometheus.DefBuckets,
}, []string{"provider", "resource", "outcome"})

func init() {
	prometheus.MustRegister(requestDuration)
}

func recordRequest(provider domain.Provider, resource, outcome string, elapsed time.Duration) {
	requestDuration.WithLabelValues(string(provider), resource, outcome).Observe(elapsed.Seconds())
}
