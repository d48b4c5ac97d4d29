// Package observe provides application-wide observability primitives for
// pcmstream: OpenTelemetry metrics, tracing, log helpers, and HTTP middleware
// for the metrics and health endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A [Provider]
// bridges them into its own Prometheus registry, which /metrics serves. A
// package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pcmstream metrics.
const meterName = "github.com/MrWong99/pcmstream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Streaming loop ---

	// CycleDuration tracks the time spent inside one streaming cycle. Use
	// with attribute.String("direction", ...).
	CycleDuration metric.Float64Histogram

	// Cycles counts streaming cycles. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("event", ...)
	Cycles metric.Int64Counter

	// RenderedFrames counts frames copied from the segment queue into the
	// device buffer.
	RenderedFrames metric.Int64Counter

	// ShortfallFrames counts zero frames inserted because the queue could not
	// supply enough audio.
	ShortfallFrames metric.Int64Counter

	// CapturedFrames counts frames written into the capture buffer.
	CapturedFrames metric.Int64Counter

	// Glitches counts capture packets flagged as discontinuous.
	Glitches metric.Int64Counter

	// DeviceErrors counts failed device calls. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("op", ...)
	DeviceErrors metric.Int64Counter

	// --- Session ---

	// SetupDuration tracks how long device setup takes, alignment retry
	// included.
	SetupDuration metric.Float64Histogram

	// ActiveStreams tracks the number of running streaming loops.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// cycleBuckets defines histogram bucket boundaries (in seconds) for a single
// streaming cycle, which must stay well below one device period.
var cycleBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for setup
// and HTTP latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CycleDuration, err = m.Float64Histogram("pcmstream.cycle.duration",
		metric.WithDescription("Time spent in one streaming cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(cycleBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SetupDuration, err = m.Float64Histogram("pcmstream.setup.duration",
		metric.WithDescription("Latency of device setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pcmstream.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Cycles, err = m.Int64Counter("pcmstream.cycles",
		metric.WithDescription("Number of streaming cycles."),
	); err != nil {
		return nil, err
	}
	if met.RenderedFrames, err = m.Int64Counter("pcmstream.render.frames",
		metric.WithDescription("Frames copied from the segment queue to the device."),
	); err != nil {
		return nil, err
	}
	if met.ShortfallFrames, err = m.Int64Counter("pcmstream.render.shortfall_frames",
		metric.WithDescription("Zero frames inserted to cover a queue underrun."),
	); err != nil {
		return nil, err
	}
	if met.CapturedFrames, err = m.Int64Counter("pcmstream.capture.frames",
		metric.WithDescription("Frames written into the capture buffer."),
	); err != nil {
		return nil, err
	}
	if met.Glitches, err = m.Int64Counter("pcmstream.capture.glitches",
		metric.WithDescription("Capture packets flagged as discontinuous."),
	); err != nil {
		return nil, err
	}
	if met.DeviceErrors, err = m.Int64Counter("pcmstream.device.errors",
		metric.WithDescription("Failed device calls."),
	); err != nil {
		return nil, err
	}

	// UpDownCounters.
	if met.ActiveStreams, err = m.Int64UpDownCounter("pcmstream.streams.active",
		metric.WithDescription("Number of running streaming loops."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCycle records one streaming cycle and its duration.
func (m *Metrics) RecordCycle(ctx context.Context, direction, event string, d time.Duration) {
	m.Cycles.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("event", event),
		),
	)
	m.CycleDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordRender records the frames written into the device buffer during one
// render cycle and the zero-filled remainder.
func (m *Metrics) RecordRender(ctx context.Context, written, shortfall int) {
	if written > 0 {
		m.RenderedFrames.Add(ctx, int64(written))
	}
	if shortfall > 0 {
		m.ShortfallFrames.Add(ctx, int64(shortfall))
	}
}

// RecordCapture records one captured packet.
func (m *Metrics) RecordCapture(ctx context.Context, frames int, glitch bool) {
	m.CapturedFrames.Add(ctx, int64(frames))
	if glitch {
		m.Glitches.Add(ctx, 1)
	}
}

// RecordDeviceError records a failed device call.
func (m *Metrics) RecordDeviceError(ctx context.Context, direction, op string) {
	m.DeviceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("op", op),
		),
	)
}
