// Package otel wires gatekeeper's traces and metrics. A disabled config
// yields no-op providers so callers never nil-check.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "github.com/basket/gatekeeper"
	MeterName  = "github.com/basket/gatekeeper"

	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"

	defaultOTLPEndpoint = "localhost:4318"
)

type Config struct {
	Enabled     bool    `yaml:"enabled" env:"GATEKEEPER_OTEL_ENABLED"`
	Exporter    string  `yaml:"exporter" env:"GATEKEEPER_OTEL_EXPORTER"`
	Endpoint    string  `yaml:"endpoint" env:"GATEKEEPER_OTEL_ENDPOINT"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Validate rejects exporters Init cannot build.
func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterOTLPHTTP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("unknown exporter %q (supported: %s, %s, %s)", c.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterNone)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate %v: must be within [0, 1]", c.SampleRate)
	}
	return nil
}

// Provider owns the tracer and meter used across the process.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Option adjusts an enabled provider.
type Option func(*options)

type options struct {
	readers []sdkmetric.Reader
	spans   []sdktrace.SpanProcessor
}

// WithMetricReader attaches a reader, e.g. a manual reader in tests.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor attaches an extra span processor.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.spans = append(o.spans, sp) }
}

// Init builds the providers and installs the tracer provider and W3C trace
// context propagator globally. version is recorded on the resource.
func Init(ctx context.Context, cfg Config, version string, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "gatekeeper"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
		attribute.String("gatekeeper.exporter", exporterName(cfg)),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	for _, sp := range o.spans {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		Meter:  mp.Meter(MeterName),
		tp:     tp,
		mp:     mp,
	}, nil
}

// Shutdown flushes pending spans and metrics. It is a no-op when disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func exporterName(cfg Config) string {
	if cfg.Exporter == "" {
		return ExporterOTLPHTTP
	}
	return cfg.Exporter
}

// newSpanExporter returns nil for the none exporter; spans are still
// sampled and visible to extra processors.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch exporterName(cfg) {
	case ExporterOTLPHTTP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}
}
