package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for identity reconciliation.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Sightings by consolidation outcome: created, attached, merged, unchanged
	Sightings *prometheus.CounterVec

	// Failed consolidations by domain error code
	Errors *prometheus.CounterVec

	ConsolidateDuration prometheus.Histogram

	// Number of contacts in the locked closure
	ClosureSize prometheus.Histogram

	// Consolidations restarted because the locked closure outgrew the held keys
	LockRetries prometheus.Counter
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics on reg; tests pass a fresh registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sightings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_sightings_total",
			Help: "Total sightings consolidated by outcome",
		}, []string{"outcome"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_consolidate_errors_total",
			Help: "Total failed consolidations by error code",
		}, []string{"code"}),

		ConsolidateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_consolidate_duration_seconds",
			Help:    "Duration of a consolidation including lock wait and transaction",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		ClosureSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_closure_size",
			Help:    "Number of contacts in the closure a sighting resolved against",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		}),

		LockRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "identity_lock_retries_total",
			Help: "Consolidations restarted because a concurrent merge changed the cluster",
		}),
	}
}

func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.Sightings.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementError(code string) {
	if m != nil {
		m.Errors.WithLabelValues(code).Inc()
	}
}

// ObserveConsolidate records the duration since start.
func (m *Metrics) ObserveConsolidate(start time.Time) {
	if m != nil {
		m.ConsolidateDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveClosureSize(n int) {
	if m != nil {
		m.ClosureSize.Observe(float64(n))
	}
}

func (m *Metrics) IncrementLockRetry() {
	if m != nil {
		m.LockRetries.Inc()
	}
}
