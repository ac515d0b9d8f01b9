package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline.
type Metrics struct {
	RecordsIngested  *prometheus.CounterVec // labels: provider, outcome={stored,skipped}
	ForecastPoints   *prometheus.CounterVec // labels: provider, outcome={applied,superseded,skipped}
	StorageConflicts prometheus.Counter
	PipelineRunning  prometheus.Gauge
	AlertTransitions *prometheus.CounterVec // labels: alert_type, transition={opened,escalated,closed}
	AlertsExpired    prometheus.Counter
	ActiveAlerts     prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={forward,reverse}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={forward,reverse}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={forward,reverse}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RecordsIngested,
		m.ForecastPoints,
		m.StorageConflicts,
		m.PipelineRunning,
		m.AlertTransitions,
		m.AlertsExpired,
		m.ActiveAlerts,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "records_ingested_total",
			Help:      "Raw provider records processed, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ForecastPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "forecast_points_total",
			Help:      "Forecast points processed, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		StorageConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "storage_conflicts_total",
			Help:      "Transactions retried after a storage conflict.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weather_pipeline",
			Name:      "running",
			Help:      "1 when the ingestion pipeline is active, 0 when shut down.",
		}),
		AlertTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "alert_transitions_total",
			Help:      "Alert lifecycle transitions, by alert type and kind.",
		}, []string{"alert_type", "transition"}),
		AlertsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "alerts_expired_total",
			Help:      "Alerts closed by the expiry sweep.",
		}),
		ActiveAlerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weather_pipeline",
			Name:      "active_alerts",
			Help:      "Active alerts observed at the last sweep.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weather_pipeline",
			Name:      "batch_size",
			Help:      "Number of records per ingestion batch.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weather_pipeline",
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete ingestion batch.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weather_pipeline",
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "weather_pipeline",
			Name:      "geocode_api_duration_seconds",
			Help:      "Nominatim API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
	}
}
