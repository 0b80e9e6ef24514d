// Package monitoring exposes Prometheus metrics for the durability layer
// and delivers alerts for restores and rejected saves.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "tagger"

// Metrics holds the counters and gauges served on /metrics. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// SavesTotal counts completed saves. Labels: tagger.
	SavesTotal *prometheus.CounterVec
	// SaveRejectedTotal counts refused saves. Labels: reason.
	SaveRejectedTotal *prometheus.CounterVec
	// SaveDurationSeconds measures the full read-merge-write cycle.
	SaveDurationSeconds prometheus.Histogram
	// RecoveriesTotal counts automatic restores from backup.
	RecoveriesTotal prometheus.Counter
	// TaggedRows is the live row count after the last save.
	TaggedRows prometheus.Gauge
	// CatalogRecords is the size of the loaded master catalog.
	CatalogRecords prometheus.Gauge
	// ActiveSessions is the number of open annotator sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics registers all metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SavesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "saves_total",
			Help:      "Completed saves by tagger.",
		}, []string{"tagger"}),
		SaveRejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "save_rejected_total",
			Help:      "Saves refused by the store, by reason.",
		}, []string{"reason"}),
		SaveDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of the lock, reload, merge and write cycle.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		RecoveriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recoveries_total",
			Help:      "Automatic restores of the tagged store from backup.",
		}),
		TaggedRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tagged_rows",
			Help:      "Live rows in the tagged store after the last save.",
		}),
		CatalogRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "catalog_records",
			Help:      "Records in the loaded master catalog.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Open annotator sessions.",
		}),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSave records a completed save.
func (m *Metrics) ObserveSave(tagger string, rows int, took time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(tagger).Inc()
	m.SaveDurationSeconds.Observe(took.Seconds())
	m.TaggedRows.Set(float64(rows))
}

// ObserveRejected records a refused save.
func (m *Metrics) ObserveRejected(reason string) {
	if m == nil {
		return
	}
	m.SaveRejectedTotal.WithLabelValues(reason).Inc()
}

// ObserveRecovery records an automatic restore.
func (m *Metrics) ObserveRecovery(restoredRows int) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.Inc()
	m.TaggedRows.Set(float64(restoredRows))
}

// SetCatalogRecords records the catalog size.
func (m *Metrics) SetCatalogRecords(n int) {
	if m == nil {
		return
	}
	m.CatalogRecords.Set(float64(n))
}

// SetActiveSessions records the open session count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
