// Package metrics provides Prometheus instrumentation for the Harbor
// realtime server. It exposes gauges for connection, presence and typing
// counts, counters for fanout throughput, and histograms for delivery
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harbor_connections_total",
		Help: "Current number of live WebSocket sessions",
	})

	// OnlineUsers tracks the number of users with at least one live session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harbor_online_users",
		Help: "Current number of users considered online",
	})

	// ActiveTypers tracks the number of live typing indicators.
	ActiveTypers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harbor_active_typers",
		Help: "Current number of active typing indicators",
	})

	// EventsFannedOut counts events delivered to local sessions, labeled by
	// event type.
	EventsFannedOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harbor_events_fanned_out_total",
		Help: "Total events delivered to local sessions",
	}, []string{"type"})

	// RelayFailures counts cross-process publish failures (degraded fanout).
	RelayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harbor_relay_failures_total",
		Help: "Total cross-process relay publish failures",
	})

	// FanoutLatency records the time to resolve participants and deliver an
	// event to all local sessions.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "harbor_fanout_latency_seconds",
		Help:    "Local fanout latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ActiveTypers,
		EventsFannedOut,
		RelayFailures,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
