// Package observability wires OpenTelemetry tracing and RED (rate, errors,
// duration) metrics for the activation pipeline, adapted from the
// teacher's core/pkg/observability.Provider. The OTLP gRPC exporter setup
// and sampler selection are carried over unchanged; the RED metric names
// and the TrackOperation helper are renamed to the activation domain and
// additionally expose a per-scope health gauge the teacher has no
// equivalent of.
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

	"github.com/mindburn-labs/forge/pkg/errs"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:  "forge",
		Environment:  "development",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      true,
	}
}

// Provider manages the activation pipeline's trace and metric instruments.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	activationCounter metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHist      metric.Float64Histogram
	activeActivations metric.Int64UpDownCounter
	healthGauge       metric.Int64Gauge
}

// New creates a Provider. When cfg.Enabled is false, every recording method
// becomes a no-op so callers never need to branch on whether telemetry is on.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}

	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("forge.activation")
	p.meter = otel.Meter("forge.activation")

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName, "environment", cfg.Environment, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
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
		propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.activationCounter, err = p.meter.Int64Counter("forge.activations.total",
		metric.WithDescription("Total module activations attempted"),
		metric.WithUnit("{activation}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("forge.activations.errors",
		metric.WithDescription("Total activation failures by kind"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("forge.activation.duration",
		metric.WithDescription("Activation pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60)); err != nil {
		return err
	}
	if p.activeActivations, err = p.meter.Int64UpDownCounter("forge.activations.active",
		metric.WithDescription("Activations currently in flight"),
		metric.WithUnit("{activation}")); err != nil {
		return err
	}
	if p.healthGauge, err = p.meter.Int64Gauge("forge.health.status",
		metric.WithDescription("1 if the probed scope is healthy, 0 otherwise")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the activation tracer, falling back to a no-op global
// tracer when telemetry is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("forge.activation")
	}
	return p.tracer
}

// Meter returns the activation meter, falling back to a no-op global
// meter when telemetry is disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("forge.activation")
	}
	return p.meter
}

// TrackActivation starts a span and RED-metric recording for one
// activation attempt; the returned func must be called with the pipeline's
// terminal error (nil on success).
func (p *Provider) TrackActivation(ctx context.Context, scopeAttr attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "activation",
		trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(scopeAttr))

	if p.activeActivations != nil {
		p.activeActivations.Add(ctx, 1, metric.WithAttributes(scopeAttr))
	}
	if p.activationCounter != nil {
		p.activationCounter.Add(ctx, 1, metric.WithAttributes(scopeAttr))
	}

	return ctx, func(err error) {
		if p.activeActivations != nil {
			p.activeActivations.Add(ctx, -1, metric.WithAttributes(scopeAttr))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(scopeAttr))
		}
		if err != nil {
			span.RecordError(err)
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(scopeAttr,
					attribute.String("error.type", string(errs.KindOf(err)))))
			}
		}
		span.End()
	}
}

// RecordHealth publishes the 0/1 health gauge for a probed scope.
func (p *Provider) RecordHealth(ctx context.Context, scopeAttr attribute.KeyValue, healthy bool) {
	if p.healthGauge == nil {
		return
	}
	v := int64(0)
	if healthy {
		v = 1
	}
	p.healthGauge.Record(ctx, v, metric.WithAttributes(scopeAttr))
}
