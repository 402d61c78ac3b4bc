package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics covering the golden 4 signals:
// - Latency: How long fit jobs and runs take
// - Traffic: Job throughput
// - Errors: Rate of job failures
// - Saturation: Concurrent jobs and queue depth
type Metrics struct {
	meter metric.Meter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration     metric.Float64Histogram
	JobsTotal       metric.Int64Counter
	JobErrorsTotal  metric.Int64Counter
	JobRetriesTotal metric.Int64Counter
	JobsActive      metric.Int64UpDownCounter
	QueueDepth      metric.Int64Gauge

	// Run metrics (Latency, Traffic)
	RunsTotal   metric.Int64Counter
	RunDuration metric.Float64Histogram
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fitrunner")
	m := &Metrics{meter: meter}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"fit_job_duration_seconds",
		metric.WithDescription("Fit job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"fit_jobs_total",
		metric.WithDescription("Total number of fit job attempts started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"fit_job_errors_total",
		metric.WithDescription("Total number of failed fit job attempts"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobRetriesTotal, err = meter.Int64Counter(
		"fit_job_retries_total",
		metric.WithDescription("Total number of fit jobs re-queued after a failed attempt"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"fit_jobs_active",
		metric.WithDescription("Number of currently running fit jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"fit_queue_depth",
		metric.WithDescription("Current number of jobs waiting for a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Run metrics
	m.RunsTotal, err = meter.Int64Counter(
		"fit_runs_total",
		metric.WithDescription("Total number of completed runs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RunDuration, err = meter.Float64Histogram(
		"fit_run_duration_seconds",
		metric.WithDescription("End to end run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordJobStarted records a job attempt being dispatched to a worker.
func (m *Metrics) RecordJobStarted(ctx context.Context, source, region, variant string) {
	attrs := WithJob(source, region, variant)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job attempt finishing. kind labels the error
// class of a failed attempt and is empty on success.
func (m *Metrics) RecordJobCompleted(ctx context.Context, source, region, variant string, success bool, kind string, durationSeconds float64) {
	attrs := WithJob(source, region, variant)
	m.JobDuration.Record(ctx, durationSeconds, attrs, WithSuccess(success))
	m.JobsActive.Add(ctx, -1, attrs)

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs, metric.WithAttributes(kindAttr(kind)))
	}
}

// RecordJobRetried records a failed attempt being queued again.
func (m *Metrics) RecordJobRetried(ctx context.Context, source, region, variant string) {
	m.JobRetriesTotal.Add(ctx, 1, WithJob(source, region, variant))
}

// RecordQueueDepth records the current number of queued jobs.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordRunCompleted records a run reaching a terminal status.
func (m *Metrics) RecordRunCompleted(ctx context.Context, status string, durationSeconds float64) {
	m.RunsTotal.Add(ctx, 1, WithStatus(status))
	m.RunDuration.Record(ctx, durationSeconds, WithStatus(status))
}
