package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the identity resolution pipeline.
type Metrics struct {
	// Resolve outcomes by decision path
	ResolveOutcome *prometheus.CounterVec

	// Applied merges by type
	Merges *prometheus.CounterVec

	// Rollbacks of previously applied merges
	Rollbacks prometheus.Counter

	// End-to-end resolve latency including retries
	ResolveLatency prometheus.Histogram
}

// New creates a new Metrics instance with all identity metrics registered.
func New() *Metrics {
	return &Metrics{
		ResolveOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "unify_resolve_outcomes_total",
			Help: "Total resolved events by outcome",
		}, []string{"outcome"}), // outcome: "created", "matched", "auto_merged", "review_queued", "low_confidence"

		Merges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "unify_merges_total",
			Help: "Total applied profile merges by type",
		}, []string{"type"}), // type: "auto", "manual", "system"

		Rollbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "unify_merge_rollbacks_total",
			Help: "Total rolled-back merges",
		}),

		ResolveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "unify_resolve_duration_seconds",
			Help:    "Duration of event resolution including retries and merge application",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// IncrementOutcome records the decision path an event took.
func (m *Metrics) IncrementOutcome(outcome string) {
	if m != nil {
		m.ResolveOutcome.WithLabelValues(outcome).Inc()
	}
}

// IncrementMerge records an applied merge.
func (m *Metrics) IncrementMerge(mergeType string) {
	if m != nil {
		m.Merges.WithLabelValues(mergeType).Inc()
	}
}

// IncrementRollback records a merge reversal.
func (m *Metrics) IncrementRollback() {
	if m != nil {
		m.Rollbacks.Inc()
	}
}

// ObserveResolveLatency records how long an event took to resolve.
func (m *Metrics) ObserveResolveLatency(d time.Duration) {
	if m != nil {
		m.ResolveLatency.Observe(d.Seconds())
	}
}
