// Package telemetry provides OpenTelemetry metrics for vibesync.
//
// Telemetry is disabled by default (zero runtime overhead when off).
//
// # Configuration
//
//	VIBESYNC_OTEL_ENABLED=true        enable metrics (default: off)
//	VIBESYNC_OTEL_STDOUT=true         write metrics to stdout (dev mode)
//	OTEL_EXPORTER_OTLP_ENDPOINT=...   OTLP/HTTP endpoint (e.g. localhost:4318)
//	OTEL_SERVICE_NAME=vibesync       override service name
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/vibeflow/vibesync/internal/adapters"
	"github.com/vibeflow/vibesync/internal/debug"
)

const instrumentationScope = "github.com/vibeflow/vibesync"

var shutdownFns []func(context.Context) error

// Enabled reports whether telemetry is active (VIBESYNC_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("VIBESYNC_OTEL_ENABLED") == "true"
}

// Init configures the OTel meter provider. When VIBESYNC_OTEL_ENABLED is not
// "true" this installs a no-op provider and returns immediately.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	mp, err := buildMetricProvider(ctx, res)
	if err != nil {
		return fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

func buildMetricProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if os.Getenv("VIBESYNC_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}

	if endpoint := firstNonEmpty(
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	); endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		))
	}

	// Default to stdout when enabled but no exporter is configured.
	if len(opts) == 1 {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Meter returns a meter with the given instrumentation name (or the global
// scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending metrics and shuts the provider down. Deferred in
// the CLI with a short-lived context.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// SyncMetrics records the orchestrator's completion metrics through OTel
// instruments. It satisfies the metrics sink the orchestrator expects.
type SyncMetrics struct {
	syncRuns     metric.Int64Counter
	projects     metric.Int64Counter
	issuesSynced metric.Int64Counter
	syncErrors   metric.Int64Counter
	duration     metric.Float64Histogram
}

var _ adapters.MetricsSink = (*SyncMetrics)(nil)

// NewSyncMetrics builds the sync instruments on the global meter.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := Meter("")
	m := &SyncMetrics{}
	var err error
	if m.syncRuns, err = meter.Int64Counter("vibesync.sync.runs",
		metric.WithDescription("Completed full-sync runs")); err != nil {
		return nil, err
	}
	if m.projects, err = meter.Int64Counter("vibesync.sync.projects",
		metric.WithDescription("Projects processed by full syncs")); err != nil {
		return nil, err
	}
	if m.issuesSynced, err = meter.Int64Counter("vibesync.sync.issues",
		metric.WithDescription("Issues synced by full syncs")); err != nil {
		return nil, err
	}
	if m.syncErrors, err = meter.Int64Counter("vibesync.sync.errors",
		metric.WithDescription("Errors collected by full syncs")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("vibesync.sync.duration",
		metric.WithDescription("Full-sync duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordSyncRun emits one completed full-sync run.
func (m *SyncMetrics) RecordSyncRun(ctx context.Context, projectsProcessed, issuesSynced, errors int, duration time.Duration) {
	m.syncRuns.Add(ctx, 1)
	m.projects.Add(ctx, int64(projectsProcessed))
	m.issuesSynced.Add(ctx, int64(issuesSynced))
	m.syncErrors.Add(ctx, int64(errors))
	m.duration.Record(ctx, float64(duration.Milliseconds()))
	debug.Logf("telemetry: sync run recorded (%d projects, %d issues, %d errors, %s)\n",
		projectsProcessed, issuesSynced, errors, duration)
}
