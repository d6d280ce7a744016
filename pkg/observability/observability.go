// Package observability provides OpenTelemetry tracing and metrics for the
// reflex core.
//
// The provider exports over OTLP/gRPC when enabled. When disabled every
// recording method is a no-op, so callers never need to nil-check.
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
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/reflex"

// Config configures the OpenTelemetry providers.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317"
	Insecure       bool          `yaml:"insecure"`
	SampleRate     float64       `yaml:"sample_rate"` // 0.0 to 1.0
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// DefaultConfig returns a disabled configuration pointed at a local
// collector.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "reflex",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
	}
}

// Option customizes a Provider.
type Option func(*Provider)

// WithReader attaches an extra metric reader. With a reader the provider
// records even when Config.Enabled is false, which lets tests collect
// metrics through an sdkmetric.ManualReader without an exporter.
func WithReader(r sdkmetric.Reader) Option { return func(p *Provider) { p.reader = r } }

func WithLogger(l *slog.Logger) Option { return func(p *Provider) { p.logger = l } }

// Provider manages the trace and metric providers and the core's
// instruments.
type Provider struct {
	config         Config
	reader         sdkmetric.Reader
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	busPublished  metric.Int64ObservableCounter
	busEvicted    metric.Int64ObservableCounter
	decisions     metric.Int64Counter
	governance    metric.Int64Counter
	approvalWait  metric.Float64Histogram
	opsTicks      metric.Int64Counter
	reflections   metric.Int64Counter
	registrations []metric.Registration
}

// New creates a provider. A disabled config without a reader yields no-op
// instruments.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	for _, opt := range opts {
		opt(p)
	}

	if !cfg.Enabled && p.reader == nil {
		p.meter = noop.NewMeterProvider().Meter(instrumentationName)
		p.tracer = otel.Tracer(instrumentationName)
		if err := p.initInstruments(); err != nil {
			return nil, err
		}
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res := resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	if cfg.Enabled {
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	if p.tracerProvider != nil {
		p.tracer = p.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	} else {
		p.tracer = otel.Tracer(instrumentationName)
	}
	p.meter = p.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"export", cfg.Enabled,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if p.reader != nil {
		opts = append(opts, sdkmetric.WithReader(p.reader))
	}
	if p.config.Enabled {
		eopts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
		if p.config.Insecure {
			eopts = append(eopts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, eopts...)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := p.config.ExportInterval
		if interval <= 0 {
			interval = DefaultConfig().ExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}
	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	if p.config.Enabled {
		otel.SetMeterProvider(p.meterProvider)
	}
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.busPublished, err = p.meter.Int64ObservableCounter("reflex.bus.published",
		metric.WithDescription("Events accepted by the bus"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.busEvicted, err = p.meter.Int64ObservableCounter("reflex.bus.evicted",
		metric.WithDescription("Events evicted from a full bus"),
		metric.WithUnit("{event}"),
	); err != nil {
		return err
	}
	if p.decisions, err = p.meter.Int64Counter("reflex.injector.decisions",
		metric.WithDescription("Injector decisions by outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.governance, err = p.meter.Int64Counter("reflex.governance.decisions",
		metric.WithDescription("Governance resolutions by state and tier"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.approvalWait, err = p.meter.Float64Histogram("reflex.governance.approval_wait",
		metric.WithDescription("Time a tool call waited for approval"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90, 120),
	); err != nil {
		return err
	}
	if p.opsTicks, err = p.meter.Int64Counter("reflex.ops.ticks",
		metric.WithDescription("Ops loop ticks by committed health"),
		metric.WithUnit("{tick}"),
	); err != nil {
		return err
	}
	if p.reflections, err = p.meter.Int64Counter("reflex.reflection.runs",
		metric.WithDescription("Completed reflection runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return err
	}
	return nil
}

// BusStats is the cumulative view ObserveBus reads.
type BusStats struct {
	Published uint64
	Evicted   uint64
}

// ObserveBus reports the bus counters on every collection.
func (p *Provider) ObserveBus(stats func() BusStats) error {
	reg, err := p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(p.busPublished, int64(s.Published))
		o.ObserveInt64(p.busEvicted, int64(s.Evicted))
		return nil
	}, p.busPublished, p.busEvicted)
	if err != nil {
		return fmt.Errorf("register bus callback: %w", err)
	}
	p.registrations = append(p.registrations, reg)
	return nil
}

// RecordDecision counts one injector decision.
func (p *Provider) RecordDecision(ctx context.Context, decision, reason string) {
	attrs := []attribute.KeyValue{AttrDecision.String(decision)}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	p.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGovernance counts one packet resolution and, when it waited,
// records the wait.
func (p *Provider) RecordGovernance(ctx context.Context, state, tier string, waited time.Duration) {
	attrs := metric.WithAttributes(AttrState.String(state), AttrTier.String(tier))
	p.governance.Add(ctx, 1, attrs)
	if waited > 0 {
		p.approvalWait.Record(ctx, waited.Seconds(), attrs)
	}
}

// RecordTick counts one ops tick.
func (p *Provider) RecordTick(ctx context.Context, health string) {
	p.opsTicks.Add(ctx, 1, metric.WithAttributes(AttrHealth.String(health)))
}

// RecordReflection counts one finished reflection run.
func (p *Provider) RecordReflection(ctx context.Context, err error) {
	p.reflections.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reflex.reflection.failed", err != nil)))
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// TrackOperation starts a span and returns the function that ends it,
// recording err on the span when non-nil.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	for _, reg := range p.registrations {
		_ = reg.Unregister()
	}
	p.registrations = nil
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
