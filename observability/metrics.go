// Package observability provides Prometheus metrics instrumentation for
// the RPC core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CALL METRICS
// =============================================================================

var (
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librpc_calls_total",
			Help: "Total outbound calls by terminal status",
		},
		[]string{"method", "status"}, // status: done, error (aborts and timeouts count as error)
	)

	callDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librpc_call_duration_seconds",
			Help:    "Outbound call duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)

	fragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "librpc_fragments_total",
			Help: "Total streaming fragments produced by inbound calls",
		},
	)
)

// =============================================================================
// DISPATCH METRICS
// =============================================================================

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librpc_dispatch_total",
			Help: "Inbound method dispatches by outcome",
		},
		[]string{"method", "status"}, // status: ok, error, not_found, invalid
	)

	dispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librpc_dispatch_duration_seconds",
			Help:    "Inbound method execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)

	dispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "librpc_dispatch_queue_depth",
			Help: "Items waiting in the context worker queue",
		},
	)
)

// =============================================================================
// CONNECTION / EVENT METRICS
// =============================================================================

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "librpc_active_connections",
			Help: "Currently open connections across all servers and clients",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librpc_events_total",
			Help: "Events broadcast to connections",
		},
		[]string{"result"}, // result: sent, dropped, failed
	)
)

// RecordCall records a finished outbound call.
func RecordCall(method, status string, seconds float64) {
	callsTotal.WithLabelValues(method, status).Inc()
	callDurationSeconds.WithLabelValues(method).Observe(seconds)
}

// RecordFragment counts one produced streaming fragment.
func RecordFragment() {
	fragmentsTotal.Inc()
}

// RecordDispatch records a finished inbound dispatch.
func RecordDispatch(method, status string, seconds float64) {
	dispatchTotal.WithLabelValues(method, status).Inc()
	dispatchDurationSeconds.WithLabelValues(method).Observe(seconds)
}

// QueueDepth tracks the worker queue depth.
func QueueDepth(delta float64) {
	dispatchQueueDepth.Add(delta)
}

// ConnectionOpened / ConnectionClosed track the connection gauge.
func ConnectionOpened() { activeConnections.Inc() }

// ConnectionClosed decrements the connection gauge.
func ConnectionClosed() { activeConnections.Dec() }

// RecordEvent counts one event delivery attempt.
func RecordEvent(result string) {
	eventsTotal.WithLabelValues(result).Inc()
}
