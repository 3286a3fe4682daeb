// Package metrics records upload runs as Prometheus metrics on a private
// registry. A CLI run is a batch job, so the registry is written to a node
// exporter textfile instead of being scraped.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/input-output-hk/catalyst-forge-pkgdist/transfer"
)

// DefaultPrefix is prepended to every metric name.
const DefaultPrefix = "pkgdist_"

// Metrics implements upload.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	uploads     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	lastSuccess prometheus.Gauge
}

// New registers the upload metrics on a fresh registry.
func New(prefix string) *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		uploads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%suploads_total", prefix),
				Help: "Total number of package upload runs partitioned by transfer mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%supload_duration_seconds", prefix),
				Help:    "Duration of package upload runs.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"mode"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%stransferred_bytes_total", prefix),
				Help: "Total number of package bytes moved to storage.",
			},
			[]string{"mode"},
		),
		lastSuccess: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%slast_success_timestamp_seconds", prefix),
				Help: "Unix time of the last run that did not fail.",
			},
		),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(mode transfer.Mode, outcome string, duration time.Duration, bytes int64) {
	label := string(mode)
	if label == "" {
		label = "none"
	}
	m.uploads.WithLabelValues(label, outcome).Inc()
	m.duration.WithLabelValues(label).Observe(duration.Seconds())
	if bytes > 0 {
		m.bytes.WithLabelValues(label).Add(float64(bytes))
	}
	if outcome != "failed" {
		m.lastSuccess.SetToCurrentTime()
	}
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format to path,
// atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
