package retron

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts gatekeeper outcomes.
type Metrics struct {
	// writes counts records added, updated or removed, by operation.
	writes *prometheus.CounterVec
	// rejections counts refused calls by operation and reason.
	rejections *prometheus.CounterVec
	// duration tracks operation latency.
	duration *prometheus.HistogramVec
}

// NewMetrics registers the gatekeeper collectors with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retrondb_records_total",
			Help: "Records written or removed by operation",
		}, []string{"operation"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "retrondb_rejections_total",
			Help: "Refused gatekeeper calls by operation and reason",
		}, []string{"operation", "reason"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retrondb_operation_duration_seconds",
			Help:    "Gatekeeper operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"operation"}),
	}
}

// reason maps an error to a bounded label value.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingKey):
		return "missing_key"
	case errors.Is(err, ErrUnrecognizedProperty):
		return "unrecognized_property"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrProtectedFile):
		return "protected_file"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	}
	return "store"
}
