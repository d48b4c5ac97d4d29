package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched, so scanners cannot
// grow the label set.
const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	tracer trace.Tracer
	log    *slog.Logger
}

// WithTracerProvider makes the middleware start its spans on tp instead of
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) MiddlewareOption {
	return func(mw *middleware) { mw.tracer = tp.Tracer(tracerName) }
}

// WithRequestLogger sets the logger for request lines. The default is
// [slog.Default].
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.log = l }
}

// Middleware instruments the diagnostics mux. Requests are labelled with the
// mux pattern that served them ("GET /status"), never the raw path.
//
// Each request gets a server span continuing any W3C trace context, an
// X-Correlation-ID response header, and a sample in
// [Metrics.HTTPRequestDuration]. Scrapes and probes are logged at debug; a
// 5xx answer, which /readyz gives while a stream is down, at warn.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{tracer: otel.Tracer(tracerName), log: slog.Default()}
	for _, o := range opts {
		o(mw)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := mw.tracer.Start(ctx, "diagnostics "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			req := r.WithContext(ctx)
			next.ServeHTTP(rec, req)

			// ServeMux records the matched pattern on the request it served.
			route := req.Pattern
			if route == "" {
				route = unmatchedRoute
			}
			span.SetName("diagnostics " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.statusCode),
			)
			if rec.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rec.statusCode))
			}

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("status", strconv.Itoa(rec.statusCode)),
				),
			)

			level := slog.LevelDebug
			if rec.statusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			LoggerFrom(ctx, mw.log).LogAttrs(ctx, level, "diagnostics request",
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
