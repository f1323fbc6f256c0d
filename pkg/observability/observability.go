package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "genesis.bus"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool          // Enable/disable telemetry export
	Insecure       bool          // Use insecure connection (dev only)
}

// DefaultConfig returns defaults matching the GENESIS_OTEL_* environment
// defaults: export off, local collector, sample everything.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "genesis",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages OpenTelemetry trace and metric providers plus the
// in-process SLO tracker. A Provider built with Enabled=false still tracks
// SLO observations; only the OTLP export is off.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	slo            *SLOTracker

	publishTotal      metric.Int64Counter
	publishDuplicates metric.Int64Counter
	publishFailures   metric.Int64Counter
	dispatchFailures  metric.Int64Counter
	replayEvents      metric.Int64Counter
	publishDuration   metric.Float64Histogram
	dispatchActive    metric.Int64UpDownCounter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
		slo:    NewSLOTracker(),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("genesis.component", "bus"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)

	return p, nil
}

// initTraceProvider initializes the OpenTelemetry trace provider.
func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	if p.config.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if p.config.SampleRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

// initMetricProvider initializes the OpenTelemetry metric provider.
func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// initInstruments creates the bus instruments.
func (p *Provider) initInstruments() error {
	var err error

	p.publishTotal, err = p.meter.Int64Counter("genesis.publish.total",
		metric.WithDescription("Total number of publish attempts"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.publishDuplicates, err = p.meter.Int64Counter("genesis.publish.duplicates",
		metric.WithDescription("Publishes suppressed by the dedupe index"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.publishFailures, err = p.meter.Int64Counter("genesis.publish.failures",
		metric.WithDescription("Publishes rejected by validation or persistence"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.dispatchFailures, err = p.meter.Int64Counter("genesis.dispatch.failures",
		metric.WithDescription("Handler deliveries that errored, panicked, or timed out"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return err
	}

	p.replayEvents, err = p.meter.Int64Counter("genesis.replay.events",
		metric.WithDescription("Events re-emitted by replay"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.publishDuration, err = p.meter.Float64Histogram("genesis.publish.duration",
		metric.WithDescription("End-to-end publish duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.dispatchActive, err = p.meter.Int64UpDownCounter("genesis.dispatch.active",
		metric.WithDescription("Handler deliveries currently in flight"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// SLO returns the in-process SLO tracker.
func (p *Provider) SLO() *SLOTracker {
	return p.slo
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordPublish counts one publish attempt.
func (p *Provider) RecordPublish(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.publishTotal != nil {
		p.publishTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuplicate counts one dedupe suppression.
func (p *Provider) RecordDuplicate(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.publishDuplicates != nil {
		p.publishDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordPublishFailure counts one rejected publish.
func (p *Provider) RecordPublishFailure(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.publishFailures != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.publishFailures.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDispatchFailure counts one failed handler delivery.
func (p *Provider) RecordDispatchFailure(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.dispatchFailures != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.dispatchFailures.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordReplayed counts n re-emitted events.
func (p *Provider) RecordReplayed(ctx context.Context, n int64, attrs ...attribute.KeyValue) {
	if p.replayEvents != nil {
		p.replayEvents.Add(ctx, n, metric.WithAttributes(attrs...))
	}
}

// TrackPublish instruments one publish attempt from start to finish.
// Returns a function that must be called with the publish outcome.
func (p *Provider) TrackPublish(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, "genesis.publish",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	p.RecordPublish(ctx, attrs...)

	return ctx, func(err error) {
		duration := time.Since(start)

		if p.publishDuration != nil {
			p.publishDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			p.RecordPublishFailure(ctx, err, attrs...)
		}
		p.slo.Record(SLOObservation{
			Operation: OpPublish,
			Latency:   duration,
			Success:   err == nil,
		})

		span.End()
	}
}

// TrackDispatch instruments one handler delivery from start to finish.
// Returns a function that must be called with the delivery outcome.
func (p *Provider) TrackDispatch(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, "genesis.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if p.dispatchActive != nil {
		p.dispatchActive.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		duration := time.Since(start)

		if p.dispatchActive != nil {
			p.dispatchActive.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			p.RecordDispatchFailure(ctx, err, attrs...)
		}
		p.slo.Record(SLOObservation{
			Operation: OpDispatch,
			Latency:   duration,
			Success:   err == nil,
		})

		span.End()
	}
}
