// Package observability exports helm-pay traces and metrics over OTLP gRPC.
//
// Every operation gets a span plus RED metrics (rate, errors, duration).
// Payment specific counters track state transitions, processor outcomes and
// mandate rejections.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "helm-pay"

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of the collector's gRPC receiver
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// Provider records spans and metrics for payment operations. Disabled
// records nothing.
type Provider struct {
	tracer    trace.Tracer
	shutdowns []func(context.Context) error
	logger    *slog.Logger

	operations  metric.Int64Counter
	errors      metric.Int64Counter
	duration    metric.Float64Histogram
	active      metric.Int64UpDownCounter
	transitions metric.Int64Counter
	charges     metric.Int64Counter
	rejections  metric.Int64Counter
}

// Disabled returns a provider backed by no-op instruments.
func Disabled() *Provider {
	p, err := NewWithProviders(otel.GetTracerProvider(), noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return p
}

// New installs OTLP trace and metric pipelines as the global providers.
// A nil or disabled config yields Disabled().
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil || !cfg.Enabled {
		return Disabled(), nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.shutdowns = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds instruments on caller supplied providers. Shutdown
// leaves them running.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	meter := mp.Meter(instrumentationName)
	p := &Provider{
		tracer: tp.Tracer(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}

	var errs []error
	add := func(err error) { errs = append(errs, err) }

	var err error
	p.operations, err = meter.Int64Counter("helm_pay.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}"))
	add(err)
	p.errors, err = meter.Int64Counter("helm_pay.errors.total",
		metric.WithDescription("Operations that returned an error"), metric.WithUnit("{error}"))
	add(err)
	p.duration, err = meter.Float64Histogram("helm_pay.operation.duration",
		metric.WithDescription("Operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	add(err)
	p.active, err = meter.Int64UpDownCounter("helm_pay.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}"))
	add(err)
	p.transitions, err = meter.Int64Counter("helm_pay.transitions.total",
		metric.WithDescription("Mandate and transaction state transitions"), metric.WithUnit("{transition}"))
	add(err)
	p.charges, err = meter.Int64Counter("helm_pay.processor.charges.total",
		metric.WithDescription("Processor charge attempts by final outcome"), metric.WithUnit("{charge}"))
	add(err)
	p.rejections, err = meter.Int64Counter("helm_pay.mandate.rejections.total",
		metric.WithDescription("Requests refused at the mandate boundary"), metric.WithUnit("{request}"))
	add(err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return p, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))

	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 5 * time.Second
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batch)),
		sdktrace.WithSampler(sampler),
	), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	), nil
}

// Shutdown flushes pending telemetry.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			p.logger.ErrorContext(ctx, "telemetry shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TrackOperation opens a span and counts the operation. The returned function
// must be called exactly once with the operation's result.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))

	attrList := append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)
	opAttrs := metric.WithAttributes(attrList...)
	nameOnly := metric.WithAttributes(AttrOperation.String(name))
	p.operations.Add(ctx, 1, opAttrs)
	p.active.Add(ctx, 1, nameOnly)

	return ctx, func(err error) {
		p.active.Add(ctx, -1, nameOnly)
		p.duration.Record(ctx, time.Since(start).Seconds(), opAttrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			errAttrs := append(attrList, AttrErrorType.String(fmt.Sprintf("%T", err)))
			p.errors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		}
		span.End()
	}
}

// RecordTransition counts one state change of a mandate or transaction.
func (p *Provider) RecordTransition(ctx context.Context, entity, from, to string) {
	p.transitions.Add(ctx, 1, metric.WithAttributes(Transition(entity, from, to)...))
}

// RecordCharge counts a processor call by its final outcome and annotates
// the current span.
func (p *Provider) RecordCharge(ctx context.Context, outcome, paymentMethod string) {
	attrs := []attribute.KeyValue{AttrProcessorOutcome.String(outcome), AttrPaymentMethod.String(paymentMethod)}
	p.charges.Add(ctx, 1, metric.WithAttributes(attrs...))
	trace.SpanFromContext(ctx).AddEvent("processor.outcome", trace.WithAttributes(attrs...))
}

// RecordRejection counts a request refused with a mandate rejection code.
func (p *Provider) RecordRejection(ctx context.Context, code string) {
	p.rejections.Add(ctx, 1, metric.WithAttributes(AttrRejectionCode.String(code)))
}
