// Package metrics provides Prometheus metrics for the print relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Job metrics
	JobsPrinted    *prometheus.CounterVec
	JobsSuppressed *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	Reprints       *prometheus.CounterVec
	ParitySkipped  *prometheus.CounterVec

	// Message metrics
	DecodeFailures *prometheus.CounterVec
	RetryNacks     *prometheus.CounterVec
	DeadLettered   *prometheus.CounterVec

	// Timing metrics
	RenderDuration *prometheus.HistogramVec
	SubmitDuration *prometheus.HistogramVec

	// Pipeline metrics
	InFlightJobs prometheus.Gauge

	// Recovery metrics
	StaleRecovered prometheus.Counter

	// Error metrics
	LedgerErrors prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "print_relay"
	}

	m := &Metrics{
		JobsPrinted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_printed_total",
				Help:      "Total number of jobs submitted to the printer",
			},
			[]string{"printer"},
		),
		JobsSuppressed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_suppressed_total",
				Help:      "Total number of duplicate deliveries suppressed by the ledger",
			},
			[]string{"printer"},
		),
		JobsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Total number of jobs recorded as permanently failed",
			},
			[]string{"printer", "stage"},
		),
		Reprints: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reprints_total",
				Help:      "Total number of explicit reprint requests honored",
			},
			[]string{"printer"},
		),
		ParitySkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parity_skipped_total",
				Help:      "Total number of messages handed back for the peer parity",
			},
			[]string{"printer"},
		),
		DecodeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_failures_total",
				Help:      "Total number of messages that failed to decode",
			},
			[]string{"kind"},
		),
		RetryNacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_nacks_total",
				Help:      "Total number of messages nacked for redelivery",
			},
			[]string{"printer"},
		),
		DeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_lettered_total",
				Help:      "Total number of messages archived to the dead-letter bucket",
			},
			[]string{"stage"},
		),
		RenderDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "render_duration_seconds",
				Help:      "Time to validate and spool a payload",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"printer"},
		),
		SubmitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submit_duration_seconds",
				Help:      "Time for the spooler to accept a document",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"printer"},
		),
		InFlightJobs: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_jobs",
				Help:      "Number of messages currently being processed",
			},
		),
		StaleRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_recovered_total",
				Help:      "Total number of stale printing entries flipped to failed",
			},
		),
		LedgerErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_errors_total",
				Help:      "Total number of ledger read/write errors",
			},
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
