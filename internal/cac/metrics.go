package cac

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks polling outcomes. A nil *Metrics records nothing.
type Metrics struct {
	fetchesTotal  *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	lastModified  *prometheus.GaugeVec
}

// NewMetrics registers the client collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	fetchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cac",
			Subsystem: "client",
			Name:      "fetches_total",
		},
		[]string{"resource", "tenant", "result"},
	)
	registerer.MustRegister(fetchesTotal)

	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cac",
			Subsystem: "client",
			Name:      "fetch_duration_seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource", "tenant"},
	)
	registerer.MustRegister(fetchDuration)

	lastModified := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cac",
			Subsystem: "client",
			Name:      "last_modified_timestamp_seconds",
		},
		[]string{"resource", "tenant"},
	)
	registerer.MustRegister(lastModified)

	return &Metrics{
		fetchesTotal:  fetchesTotal,
		fetchDuration: fetchDuration,
		lastModified:  lastModified,
	}
}

// Fetch result labels.
const (
	ResultUpdated     = "updated"
	ResultNotModified = "not_modified"
	ResultError       = "error"
)

// ObserveFetch records a single poll of resource for tenant.
func (m *Metrics) ObserveFetch(resource, tenant, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(resource, tenant, result).Inc()
	m.fetchDuration.WithLabelValues(resource, tenant).Observe(elapsed.Seconds())
}

// SetLastModified publishes the revision time currently served for tenant.
func (m *Metrics) SetLastModified(resource, tenant string, at time.Time) {
	if m == nil || at.IsZero() {
		return
	}
	m.lastModified.WithLabelValues(resource, tenant).Set(float64(at.Unix()))
}
