package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ProviderConfig configures a [Provider].
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "pcmstream".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter

	// Registry receives the stream instruments. When nil a new registry is
	// created together with the Go runtime and process collectors.
	Registry *prometheus.Registry
}

// Provider owns the OpenTelemetry SDK providers of a pcmstream process and
// the Prometheus registry that /metrics serves. Stream instruments pass
// through [StreamViews] before they reach the registry.
type Provider struct {
	registry *prometheus.Registry
	handler  http.Handler
	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
}

// NewProvider builds the meter and tracer providers for cfg. Nothing is
// registered globally; see [Provider.SetGlobal].
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pcmstream"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(uuid.NewString()),
		),
	)
	if err != nil {
		return nil, err
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	return &Provider{
		registry: reg,
		handler:  promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exp),
			sdkmetric.WithView(StreamViews()...),
		),
		tracer: sdktrace.NewTracerProvider(tpOpts...),
	}, nil
}

// StreamViews bounds the label sets of the per-cycle instruments. Callers
// may attach session attributes for tracing; only the listed keys become
// Prometheus labels.
func StreamViews() []sdkmetric.View {
	allow := func(name string, keys ...attribute.Key) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter(keys...)},
		)
	}
	return []sdkmetric.View{
		allow("pcmstream.cycles", "direction", "event"),
		allow("pcmstream.cycle.duration", "direction"),
		allow("pcmstream.device.errors", "direction", "op"),
		allow("pcmstream.http.request.duration", "method", "route", "status"),
	}
}

// MeterProvider returns the meter provider feeding the registry.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meters }

// TracerProvider returns the tracer provider of this process.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracer }

// Registry returns the registry served by [Provider.Handler].
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Provider) Handler() http.Handler { return p.handler }

// SetGlobal installs both providers as the global OpenTelemetry providers,
// which [DefaultMetrics] and [StartSpan] use.
func (p *Provider) SetGlobal() {
	otel.SetMeterProvider(p.meters)
	otel.SetTracerProvider(p.tracer)
}

// Flush exports every span ended so far.
func (p *Provider) Flush(ctx context.Context) error {
	return p.tracer.ForceFlush(ctx)
}

// Shutdown flushes and closes both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.meters.Shutdown(ctx), p.tracer.Shutdown(ctx))
}
