// Package metrics exposes sweep counters and stage timings as Prometheus
// metrics. A batch sweep has no scrape endpoint, so the registry is written
// in the node-exporter textfile format when the sweep ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hexsweep"

// Metrics holds the sweep collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cases       *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	lastSuccess prometheus.Gauge
	resolution  prometheus.Gauge
}

// New creates and registers the sweep collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_total",
			Help:      "Sweep cases by dispatch mode and outcome.",
		}, []string{"mode", "status"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of sweep and pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_success_timestamp_seconds",
			Help:      "Unix time of the last sweep that finished without failed cases.",
		}),
		resolution: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "case_resolution_meters",
			Help:      "Characteristic cell length of the most recent case.",
		}),
	}
	m.registry.MustRegister(m.cases, m.stages, m.lastSuccess, m.resolution)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CaseFinished counts one case outcome.
func (m *Metrics) CaseFinished(mode, status string) {
	m.cases.WithLabelValues(mode, status).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

// SetResolution records the resolution of the case being processed.
func (m *Metrics) SetResolution(meters float64) {
	m.resolution.Set(meters)
}

// SweepSucceeded stamps the last-success gauge.
func (m *Metrics) SweepSucceeded(at time.Time) {
	m.lastSuccess.Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics to path in the textfile collector format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
