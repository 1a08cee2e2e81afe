// ABOUTME: Prometheus metrics for message flow, hand-offs, notifications and live connections
// ABOUTME: Registered on the default registry; exposed by the server when metrics are enabled

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts appended messages by direction.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_messages_total",
			Help: "Total number of messages appended to conversations",
		},
		[]string{"direction"},
	)

	// StatusCallbacks counts delivery status callbacks by outcome
	// (applied, pending, ignored).
	StatusCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_status_callbacks_total",
			Help: "Delivery status callbacks by outcome",
		},
		[]string{"outcome"},
	)

	// DuplicateInbound counts provider re-deliveries dropped by dedupe.
	DuplicateInbound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_inbound_duplicates_total",
			Help: "Inbound provider events dropped as duplicates",
		},
	)

	// Handoffs counts classifier escalations by trigger (keyword, frustration).
	Handoffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_handoffs_total",
			Help: "Conversations escalated to a human operator",
		},
		[]string{"trigger"},
	)

	// AssistantReplies counts assistant turns by outcome.
	AssistantReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_assistant_replies_total",
			Help: "Assistant turns by outcome",
		},
		[]string{"outcome"},
	)

	// LLMDuration tracks language model latency.
	LLMDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_llm_request_duration_seconds",
			Help:    "Duration of language model requests",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)

	// Notifications counts dispatcher outcomes by notification type.
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_notifications_total",
			Help: "Notification dispatch outcomes",
		},
		[]string{"type", "outcome"},
	)

	// PushDeliveries counts offline push attempts by provider kind.
	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_push_deliveries_total",
			Help: "Offline push attempts by provider and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ActiveConnections tracks open realtime streams.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_realtime_connections",
			Help: "Number of open realtime streams",
		},
	)

	// HTTPDuration tracks API latency.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
)

// RecordLLM observes one language model call.
func RecordLLM(start time.Time) {
	LLMDuration.Observe(time.Since(start).Seconds())
}

// RecordNotification records a dispatcher outcome.
func RecordNotification(kind, outcome string) {
	Notifications.WithLabelValues(kind, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
