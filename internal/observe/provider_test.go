package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestProvider(t *testing.T, cfg ProviderConfig) *Provider {
	t.Helper()
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestStreamViews_KeepOnlyAllowedLabels(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(StreamViews()...))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.DeviceErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("direction", "render"),
		Attr("op", "get_buffer"),
		Attr("session_id", "3f0c"),
	))
	m.HTTPRequestDuration.Record(ctx, 0.01, metric.WithAttributes(
		Attr("method", "GET"),
		Attr("route", "GET /status"),
		Attr("status", "200"),
		Attr("path", "/status?verbose=1"),
	))

	rm := collect(t, reader)

	tests := []struct {
		metric string
		want   []string
	}{
		{metric: "pcmstream.device.errors", want: []string{"direction", "op"}},
		{metric: "pcmstream.http.request.duration", want: []string{"method", "route", "status"}},
	}
	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			met := findMetric(rm, tt.metric)
			if met == nil {
				t.Fatalf("metric %q not found", tt.metric)
			}
			var keys []string
			switch data := met.Data.(type) {
			case metricdata.Sum[int64]:
				for _, kv := range data.DataPoints[0].Attributes.ToSlice() {
					keys = append(keys, string(kv.Key))
				}
			case metricdata.Histogram[float64]:
				for _, kv := range data.DataPoints[0].Attributes.ToSlice() {
					keys = append(keys, string(kv.Key))
				}
			default:
				t.Fatalf("unexpected data type %T", met.Data)
			}
			if strings.Join(keys, ",") != strings.Join(tt.want, ",") {
				t.Errorf("labels = %v, want %v", keys, tt.want)
			}
		})
	}
}

func TestProvider_HandlerServesStreamMetrics(t *testing.T) {
	p := newTestProvider(t, ProviderConfig{ServiceName: "pcmstream-test", Registry: prometheus.NewRegistry()})

	m, err := NewMetrics(p.MeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordDeviceError(context.Background(), "capture", "next_packet_size")
	m.RecordRender(context.Background(), 480, 0)

	body := scrape(t, p.Handler())
	for _, want := range []string{
		"pcmstream_device_errors",
		`op="next_packet_size"`,
		"pcmstream_render_frames",
		"promhttp_metric_handler_requests_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("a caller-supplied registry should not get the runtime collectors")
	}
}

func TestProvider_OwnRegistryHasRuntimeCollectors(t *testing.T) {
	p := newTestProvider(t, ProviderConfig{})

	if body := scrape(t, p.Handler()); !strings.Contains(body, "go_goroutines") {
		t.Error("scrape missing Go runtime metrics")
	}
}

func TestProvider_FlushExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := newTestProvider(t, ProviderConfig{ServiceName: "pcmstream-test", TraceExporter: exp})

	_, span := p.TracerProvider().Tracer(tracerName).Start(context.Background(), "session.setup")
	span.End()
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "pcmstream-test" {
		t.Errorf("service.name = %q, want pcmstream-test", service)
	}
}
