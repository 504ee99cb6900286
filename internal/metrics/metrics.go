// Package metrics provides Prometheus metrics for ETL pipeline runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the framework.
//
// Every helper method is safe to call on a nil *Metrics so call sites do not
// need to check whether Init ran.
type Metrics struct {
	// Run metrics
	PipelineRuns      *prometheus.CounterVec
	InFlightPipelines prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	QualityScore      *prometheus.GaugeVec
	GateFailures      *prometheus.CounterVec

	// Extraction metrics
	RecordsExtracted *prometheus.CounterVec
	APICalls         *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	RetryAttempts    *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec

	// Output metrics
	TableRows   *prometheus.GaugeVec
	TableBytes  *prometheus.HistogramVec
	WriteErrors *prometheus.CounterVec
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "etl"
	}

	m := &Metrics{
		PipelineRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by terminal status",
			},
			[]string{"pipeline", "status"},
		),
		InFlightPipelines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_pipelines",
				Help:      "Number of pipelines currently running",
			},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"pipeline", "stage"},
		),
		QualityScore: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quality_score",
				Help:      "Composite quality score of the last run",
			},
			[]string{"pipeline"},
		),
		GateFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quality_gate_failures_total",
				Help:      "Failed quality gates",
			},
			[]string{"pipeline", "gate", "severity"},
		),
		RecordsExtracted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_extracted_total",
				Help:      "Raw records obtained from sources",
			},
			[]string{"pipeline"},
		),
		APICalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_calls_total",
				Help:      "Outbound API calls, including retries",
			},
			[]string{"source"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Responses served from the response cache",
			},
			[]string{"source"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"source"},
		),
		SourceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Source failures that escaped retries",
			},
			[]string{"source", "kind"},
		),
		TableRows: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "table_rows",
				Help:      "Rows written per table in the last run",
			},
			[]string{"pipeline", "table"},
		),
		TableBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "table_bytes",
				Help:      "Size of written parquet tables in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"pipeline"},
		),
		WriteErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "write_errors_total",
				Help:      "Tables that failed to persist",
			},
			[]string{"pipeline", "table"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncPipelineRuns counts a finished run.
func (m *Metrics) IncPipelineRuns(pipeline, status string) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(pipeline, status).Inc()
}

// AddInFlight adjusts the in-flight pipeline gauge.
func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlightPipelines.Add(delta)
}

// ObserveStage records the duration of one stage.
func (m *Metrics) ObserveStage(pipeline, stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(pipeline, stage).Observe(seconds)
}

// SetQualityScore records the composite score of a run.
func (m *Metrics) SetQualityScore(pipeline string, score float64) {
	if m == nil {
		return
	}
	m.QualityScore.WithLabelValues(pipeline).Set(score)
}

// IncGateFailures counts a failed gate.
func (m *Metrics) IncGateFailures(pipeline, gate, severity string) {
	if m == nil {
		return
	}
	m.GateFailures.WithLabelValues(pipeline, gate, severity).Inc()
}

// AddRecordsExtracted adds to the extracted records counter.
func (m *Metrics) AddRecordsExtracted(pipeline string, n float64) {
	if m == nil {
		return
	}
	m.RecordsExtracted.WithLabelValues(pipeline).Add(n)
}

// IncAPICalls counts an outbound call.
func (m *Metrics) IncAPICalls(source string) {
	if m == nil {
		return
	}
	m.APICalls.WithLabelValues(source).Inc()
}

// IncCacheHits counts a cache hit.
func (m *Metrics) IncCacheHits(source string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(source).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(source string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(source).Inc()
}

// IncSourceErrors increments the source errors counter.
func (m *Metrics) IncSourceErrors(source, kind string) {
	if m == nil {
		return
	}
	m.SourceErrors.WithLabelValues(source, kind).Inc()
}

// SetTableRows records the row count of a written table.
func (m *Metrics) SetTableRows(pipeline, table string, rows float64) {
	if m == nil {
		return
	}
	m.TableRows.WithLabelValues(pipeline, table).Set(rows)
}

// ObserveTableBytes records the size of a written table.
func (m *Metrics) ObserveTableBytes(pipeline string, bytes float64) {
	if m == nil {
		return
	}
	m.TableBytes.WithLabelValues(pipeline).Observe(bytes)
}

// IncWriteErrors counts a table write failure.
func (m *Metrics) IncWriteErrors(pipeline, table string) {
	if m == nil {
		return
	}
	m.WriteErrors.WithLabelValues(pipeline, table).Inc()
}
