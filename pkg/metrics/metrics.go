// Package metrics wires the gateway's Prometheus collectors, mirroring the
// teacher's pkg/metrics/metrics.go package-level registry-and-collectors
// style: one process-wide Registry, typed collector vars, and thin
// Record*/Set* functions so callers never touch prometheus types directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the gateway's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	dispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolgateway",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Total number of tool calls dispatched to back-end instances.",
		},
		[]string{"template", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toolgateway",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of dispatched tool calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"template"},
	)

	probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "toolgateway",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of active health probes executed.",
		},
		[]string{"outcome"},
	)

	instancesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "toolgateway",
			Subsystem: "registry",
			Name:      "instances",
			Help:      "Current number of instances per template and state.",
		},
		[]string{"template", "state"},
	)

	storeRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "toolgateway",
			Subsystem: "store",
			Name:      "revision",
			Help:      "Current committed revision of the observation store.",
		},
	)
)

func init() {
	Registry.MustRegister(dispatchedTotal, dispatchDuration, probesTotal, instancesGauge, storeRevision)
}

// RecordDispatch records one completed tool call.
func RecordDispatch(template string, success bool, seconds float64) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	dispatchedTotal.WithLabelValues(template, outcome).Inc()
	dispatchDuration.WithLabelValues(template).Observe(seconds)
}

// RecordProbe records one active health probe outcome.
func RecordProbe(success bool) {
	outcome := "healthy"
	if !success {
		outcome = "unhealthy"
	}
	probesTotal.WithLabelValues(outcome).Inc()
}

// SetInstanceGauge reports the current count of instances in a given state
// for a template; cmd/gateway resyncs it on a periodic ticker.
func SetInstanceGauge(template, state string, count int) {
	instancesGauge.WithLabelValues(template, state).Set(float64(count))
}

// SetRevision reports the observation store's current revision.
func SetRevision(rev int64) {
	storeRevision.Set(float64(rev))
}
