// Package metrics provides Prometheus instrumentation for Weft.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "weft_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_ws_connections_active",
		Help: "Number of active WebSocket connections.",
	})

	WSSubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_ws_subscriptions_active",
		Help: "Number of active topic subscriptions across all connections.",
	})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_ws_messages_total",
		Help: "Total number of WebSocket messages by direction.",
	}, []string{"direction"})
)

// Coordination metrics.
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_events_published_total",
		Help: "Total number of events published on the in-process bus.",
	}, []string{"type"})

	AgentsRegistered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "weft_agents_registered",
		Help: "Number of registered agents by project.",
	}, []string{"project"})

	WorkTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_work_transitions_total",
		Help: "Total number of work item status transitions.",
	}, []string{"status"})

	SpinUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_spinups_total",
		Help: "Total number of target spin-up attempts by outcome.",
	}, []string{"outcome"})
)
