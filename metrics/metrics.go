// Package metrics exports escrow engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kawsbot/a2a-pay/escrow"
)

const (
	escrowSubsystem = "escrow"

	operationsTotal          = "operations_total"
	operationDurationSeconds = "operation_duration_seconds"
	custodyValue             = "custody_value"
	outboxPublishedTotal     = "outbox_published_total"
)

func init() {
	prometheus.MustRegister(operationsCounter)
	prometheus.MustRegister(operationDuration)
	prometheus.MustRegister(custodyGauge)
	prometheus.MustRegister(outboxPublished)
}

var (
	// operationsCounter counts escrow operations with labels:
	//   - operation: create, complete_service, release_payment, dispute
	//   - outcome: OK or the error text code (INVALID_STATUS, ...)
	operationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: escrowSubsystem,
			Name:      operationsTotal,
			Help:      "Total number of escrow operations, labeled by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// operationDuration measures end-to-end latency of one ledger transaction.
	// Buckets span in-memory commits (sub-millisecond) to contended postgres rows.
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: escrowSubsystem,
			Name:      operationDurationSeconds,
			Help:      "Histogram of escrow operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	// custodyGauge tracks value held in custody by this process since start.
	custodyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Subsystem: escrowSubsystem,
			Name:      custodyValue,
			Help:      "Value moved into custody minus value paid out, as observed by this process.",
		},
	)

	outboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: escrowSubsystem,
			Name:      outboxPublishedTotal,
			Help:      "Total number of record events delivered by the outbox relay, labeled by event type.",
		},
		[]string{"type"},
	)
)

var _ escrow.Observer = Recorder{}

// Recorder publishes escrow observations to the default registry.
type Recorder struct{}

// ObserveOperation implements escrow.Observer.
func (Recorder) ObserveOperation(op, outcome string, elapsed time.Duration) {
	operationsCounter.With(prometheus.Labels{
		"operation": op,
		"outcome":   outcome,
	}).Inc()
	operationDuration.With(prometheus.Labels{
		"operation": op,
	}).Observe(elapsed.Seconds())
}

// ObserveCustody implements escrow.Observer.
func (Recorder) ObserveCustody(delta float64) {
	custodyGauge.Add(delta)
}

// ObservePublished counts an event handed to the outbox sink.
func (Recorder) ObservePublished(eventType string) {
	outboxPublished.With(prometheus.Labels{"type": eventType}).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
