package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryConfig carries the tracer, meter and the pre-created
// instruments shared by the HTTP and store layers.
type TelemetryConfig struct {
	LogHandler slog.Handler
	Meter      metric.Meter
	Metrics    struct {
		ErrorCounter    metric.Int64Counter
		RequestCounter  metric.Int64Counter
		VersionGauge    metric.Int64Gauge
		RequestDuration metric.Float64Histogram
		DBQueryDuration metric.Float64Histogram
	}
	Tracer trace.Tracer
}

// setupTelemetry wires the three OTEL signals. Metrics go to the
// prometheus reader unless an OTLP endpoint is configured; logs and
// traces always export over OTLP HTTP. The returned cleanup flushes all
// three providers.
func setupTelemetry(ctx context.Context, config *Config) (*TelemetryConfig, func(context.Context) error, error) {
	tc := &TelemetryConfig{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace("tforum"),
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	meterProvider, err := newMeterProvider(ctx, config, res)
	if err != nil {
		return nil, nil, err
	}
	otel.SetMeterProvider(meterProvider)
	tc.Meter = meterProvider.Meter(config.ServiceName)

	logProvider, err := newLogProvider(ctx, config, res)
	if err != nil {
		return nil, nil, err
	}
	tc.LogHandler = otelslog.NewHandler(
		config.ServiceName,
		otelslog.WithLoggerProvider(logProvider),
	)

	traceProvider, err := newTraceProvider(ctx, config, res)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)
	tc.Tracer = traceProvider.Tracer(config.ServiceName)

	initializeMetrics(tc.Meter, tc)

	cleanup := func(ctx context.Context) error {
		if err := meterProvider.Shutdown(ctx); err != nil {
			return err
		}
		if err := traceProvider.Shutdown(ctx); err != nil {
			return err
		}
		return logProvider.Shutdown(ctx)
	}

	return tc, cleanup, nil
}

func newMeterProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	if !config.OTLP {
		exporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), nil
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("failed to create OTEL metrics exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	), nil
}

func newLogProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}

	severity := minsev.SeverityInfo
	if config.LogDebug {
		severity = minsev.SeverityDebug
	}

	var processor sdklog.Processor = sdklog.NewBatchProcessor(exporter, sdklog.WithExportBufferSize(512))
	processor = minsev.NewLogProcessor(processor, severity)

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(processor),
	), nil
}

func newTraceProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case config.TraceSampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.TraceSampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		// Follow sampled parents, ratio-sample fresh roots.
		sampler = sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(config.TraceSampleRate),
			sdktrace.WithRemoteParentSampled(sdktrace.AlwaysSample()),
			sdktrace.WithLocalParentSampled(sdktrace.AlwaysSample()),
		)
	}

	config.Logger.Info("configured tracer with sampling",
		slog.Float64("rate", config.TraceSampleRate))

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(config.TraceMaxBatchSize),
		),
		sdktrace.WithSampler(sampler),
	), nil
}

func initializeMetrics(meter metric.Meter, tc *TelemetryConfig) {
	tc.Metrics.RequestCounter, _ = meter.Int64Counter("http.server.requests",
		metric.WithDescription("Number of HTTP requests received"))

	tc.Metrics.ErrorCounter, _ = meter.Int64Counter("http.server.errors",
		metric.WithDescription("Number of HTTP responses with status >= 400"))

	tc.Metrics.VersionGauge, _ = meter.Int64Gauge("build.info",
		metric.WithDescription("Build version information"))

	tc.Metrics.RequestDuration, _ = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"))

	tc.Metrics.DBQueryDuration, _ = meter.Float64Histogram("db.query.duration",
		metric.WithDescription("Store query duration"),
		metric.WithUnit("s"))
}
