// Package metrics holds the Prometheus metrics for expansion runs.
// Auto-registered via promauto on the default registry.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Unit outcomes.
const (
	OutcomeNoop       = "noop"
	OutcomeExpanded   = "expanded"
	OutcomeFailed     = "failed"
	OutcomeInvalidate = "invalidated"
	OutcomeRefreshed  = "refreshed"
)

// Run statuses.
const (
	StatusDone      = "done"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

var (
	// UnitsTotal counts work units by stage-1 outcome.
	//
	// Labels:
	//   - outcome: noop, expanded, failed, invalidated, refreshed
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "macrostep",
			Subsystem: "engine",
			Name:      "units_total",
			Help:      "Work units processed, by outcome.",
		},
		[]string{"outcome"},
	)

	// BatchesTotal counts content-store batches.
	//
	// Labels:
	//   - status: published, failed
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "macrostep",
			Subsystem: "store",
			Name:      "batches_total",
			Help:      "Content-store batches, by status.",
		},
		[]string{"status"},
	)

	// StoreWritesTotal counts blob mutations applied inside batches.
	//
	// Labels:
	//   - op: create, overwrite, delete
	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "macrostep",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Blob mutations applied inside batches, by operation.",
		},
		[]string{"op"},
	)

	// ConsistencyViolations counts records found pointing at missing blobs.
	ConsistencyViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "macrostep",
			Subsystem: "engine",
			Name:      "consistency_violations_total",
			Help:      "Index records found referencing a missing blob.",
		},
	)

	// RunDuration measures whole runs.
	//
	// Labels:
	//   - status: done, cancelled, failed
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "macrostep",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Duration of expansion runs in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"status"},
	)
)

// ObserveRun records a finished run.
func ObserveRun(status string, d time.Duration) {
	RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Gather returns the current values of the macrostep counters, keyed by
// fully-qualified name plus label value, for the CLI's --metrics output.
func Gather() (map[string]float64, error) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "macrostep_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := name
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[key+"_count"] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
