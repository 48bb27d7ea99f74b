package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	receivedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "webhooks",
		Name:      "received_total",
		Help:      "Verified webhook notifications received, by provider.",
	}, []string{"provider"})
	rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "webhooks",
		Name:      "rejected_total",
		Help:      "Webhook notifications rejected before translation, by provider and reason.",
	}, []string{"provider", "reason"})
	queuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "webhooks",
		Name:      "syncs_queued_total",
		Help:      "SYNC jobs enqueued from webhook notifications, by provider.",
	}, []string{"provider"})
	unknownCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wearables",
		Subsystem: "webhooks",
		Name:      "unknown_users_total",
		Help:      "Notified provider users without an active connection, by provider.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(receivedCounter, rejectedCounter, queuedCounter, unknownCounter)
}
