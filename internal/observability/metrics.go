// README: Prometheus collectors shared by the booking core and the HTTP layer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "escort"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking status transitions applied"},
		[]string{"to"},
	)
	VerifyAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "start_code_attempts_total", Help: "Start code verification attempts by outcome"},
		[]string{"result"},
	)
	OutboxDepth       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "outbox_depth", Help: "Pending remote sync entries"})
	SyncFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sync_failures_total", Help: "Failed remote propagation attempts"})
	SyncDroppedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sync_dropped_total", Help: "Outbox entries dropped after exhausting retries"})
	GeofenceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "geofence_events_total", Help: "Geofence enter/exit events"},
		[]string{"type"},
	)
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions", Help: "Open tracking sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
