package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "leneda_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	runsTotal  *prometheus.CounterVec
	runLatency *prometheus.HistogramVec

	samplesFetched *prometheus.CounterVec
	samplesDropped *prometheus.CounterVec
	fetchRetries   *prometheus.CounterVec

	bucketsUpserted *prometheus.CounterVec
	bucketsClosed   *prometheus.CounterVec

	watermarkLag   *prometheus.GaugeVec
	needsAttention *prometheus.GaugeVec

	reportExportTotal   *prometheus.CounterVec
	reportExportLatency *prometheus.HistogramVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Total aggregation runs by series and result",
			},
			[]string{"series", "result"},
		)
		runLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "run_latency_seconds",
				Help:    "Aggregation run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		samplesFetched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_fetched_total",
				Help: "Raw samples fetched from the provider",
			},
			[]string{"series"},
		)
		samplesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_dropped_total",
				Help: "Samples dropped during aggregation by reason",
			},
			[]string{"series", "reason"},
		)
		fetchRetries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "fetch_retries_total",
				Help: "Transient fetch failures that scheduled a retry",
			},
			[]string{"series"},
		)

		bucketsUpserted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buckets_upserted_total",
				Help: "Hour buckets written to the statistics store",
			},
			[]string{"series"},
		)
		bucketsClosed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "buckets_closed_total",
				Help: "Hour buckets frozen by watermark advancement",
			},
			[]string{"series"},
		)

		watermarkLag = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "watermark_lag_seconds",
				Help: "Age of the series watermark relative to now",
			},
			[]string{"series"},
		)
		needsAttention = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "series_needs_attention",
				Help: "1 while a series is halted on a fatal error",
			},
			[]string{"series"},
		)

		reportExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "report_export_total",
				Help: "Total report exports by format and result",
			},
			[]string{"format", "result"},
		)
		reportExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "report_export_latency_seconds",
				Help:    "Report export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		prometheus.MustRegister(
			runsTotal,
			runLatency,
			samplesFetched,
			samplesDropped,
			fetchRetries,
			bucketsUpserted,
			bucketsClosed,
			watermarkLag,
			needsAttention,
			reportExportTotal,
			reportExportLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveRun records one aggregation run result and duration.
func ObserveRun(series, result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if runsTotal != nil {
		runsTotal.WithLabelValues(series, result).Inc()
	}
	if runLatency != nil {
		runLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddSamplesFetched increments the fetched sample counter.
func AddSamplesFetched(series string, count int) {
	if count <= 0 {
		return
	}
	if samplesFetched != nil {
		samplesFetched.WithLabelValues(series).Add(float64(count))
	}
}

// AddSamplesDropped increments the dropped sample counter for a reason.
func AddSamplesDropped(series, reason string, count int) {
	if count <= 0 {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	if samplesDropped != nil {
		samplesDropped.WithLabelValues(series, reason).Add(float64(count))
	}
}

// IncFetchRetry increments the retry counter for a series.
func IncFetchRetry(series string) {
	if fetchRetries != nil {
		fetchRetries.WithLabelValues(series).Inc()
	}
}

// AddBucketsUpserted increments the persisted bucket counter.
func AddBucketsUpserted(series string, count int) {
	if count <= 0 {
		return
	}
	if bucketsUpserted != nil {
		bucketsUpserted.WithLabelValues(series).Add(float64(count))
	}
}

// AddBucketsClosed increments the frozen bucket counter.
func AddBucketsClosed(series string, count int) {
	if count <= 0 {
		return
	}
	if bucketsClosed != nil {
		bucketsClosed.WithLabelValues(series).Add(float64(count))
	}
}

// SetWatermarkLag sets how far a series watermark trails now.
func SetWatermarkLag(series string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	if watermarkLag != nil {
		watermarkLag.WithLabelValues(series).Set(lag.Seconds())
	}
}

// SetNeedsAttention flips the attention gauge for a series.
func SetNeedsAttention(series string, latched bool) {
	value := 0.0
	if latched {
		value = 1.0
	}
	if needsAttention != nil {
		needsAttention.WithLabelValues(series).Set(value)
	}
}

// ObserveReportExport records report export latency and result.
func ObserveReportExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if reportExportTotal != nil {
		reportExportTotal.WithLabelValues(format, result).Inc()
	}
	if reportExportLatency != nil {
		reportExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
