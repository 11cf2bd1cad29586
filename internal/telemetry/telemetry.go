package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/varmetrics/varmetrics/internal/executor"
)

const Namespace = "varmetrics"

// Metrics holds the Prometheus collectors for report runs.
type Metrics struct {
	registry *prometheus.Registry

	Units        *prometheus.CounterVec
	UnitDuration *prometheus.HistogramVec
	RowsWritten  *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	LastSuccess  *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Units: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "units_total",
				Help:      "Day units processed, by outcome",
			},
			[]string{"metric", "outcome"},
		),
		UnitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "unit_duration_seconds",
				Help:      "Time to compute and write one day",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"metric"},
		),
		RowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "rows_written_total",
				Help:      "Rows written to report tables",
			},
			[]string{"metric"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "jobs_total",
				Help:      "Metric jobs run, by final status",
			},
			[]string{"metric", "status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time of one metric job",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"metric"},
		),
		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last complete job",
			},
			[]string{"tag", "metric"},
		),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe implements executor.Observer.
func (m *Metrics) Observe(e executor.Event) {
	switch e.Kind {
	case executor.UnitSucceeded:
		m.Units.WithLabelValues(e.Metric, "succeeded").Inc()
		m.UnitDuration.WithLabelValues(e.Metric).Observe(e.Duration.Seconds())
		m.RowsWritten.WithLabelValues(e.Metric).Add(float64(e.Rows))
	case executor.UnitFailed:
		m.Units.WithLabelValues(e.Metric, "failed").Inc()
		m.UnitDuration.WithLabelValues(e.Metric).Observe(e.Duration.Seconds())
	case executor.UnitSkipped:
		m.Units.WithLabelValues(e.Metric, "skipped").Inc()
	}
}

// RecordJob counts a finished job.
func (m *Metrics) RecordJob(tag, metric, status string, elapsed time.Duration, at time.Time) {
	m.Jobs.WithLabelValues(metric, status).Inc()
	m.JobDuration.WithLabelValues(metric).Observe(elapsed.Seconds())
	if status == "complete" {
		m.LastSuccess.WithLabelValues(tag, metric).Set(float64(at.Unix()))
	}
}

// Push sends the registry to a Prometheus Pushgateway. Batch runs are too
// short-lived to be scraped.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(m.registry).
		Client(&http.Client{Timeout: 10 * time.Second}).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
