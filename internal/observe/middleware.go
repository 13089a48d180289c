package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQuietPaths are polled continuously by scrapers and probes. Requests
// to them log at debug level.
var DefaultQuietPaths = []string{"/metrics", "/healthz", "/readyz"}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	metrics *Metrics
	logger  *slog.Logger
	quiet   map[string]bool
}

// WithRequestLogger sets the logger for request completion lines. Default:
// [slog.Default] at call time.
func WithRequestLogger(l *slog.Logger) MiddlewareOption {
	return func(mw *middleware) { mw.logger = l }
}

// WithQuietPaths replaces [DefaultQuietPaths].
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(mw *middleware) {
		mw.quiet = make(map[string]bool, len(paths))
		for _, p := range paths {
			mw.quiet[p] = true
		}
	}
}

// Middleware instruments the control API. For every request it continues or
// starts a W3C trace, sets X-Correlation-ID, records
// [Metrics.HTTPRequestDuration] by route and status class, and logs the
// outcome.
//
// Spans and durations are keyed by the matched [http.ServeMux] pattern, so
// /api/transcript/{id} style routes share one series. 5xx responses mark the
// span as failed.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	mw := &middleware{metrics: m}
	WithQuietPaths(DefaultQuietPaths...)(mw)
	for _, opt := range opts {
		opt(mw)
	}
	return mw.wrap
}

func (mw *middleware) wrap(next http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, "HTTP "+r.Method,
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

		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeOf(r)
		if r.Pattern != "" {
			span.SetAttributes(semconv.HTTPRoute(route))
		}
		span.SetName("HTTP " + r.Method + " " + route)
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}

		duration := time.Since(start)
		mw.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", route),
				attribute.String("status", statusClass(rec.status)),
			),
		)

		level := slog.LevelInfo
		if mw.quiet[r.URL.Path] && rec.status < http.StatusBadRequest {
			level = slog.LevelDebug
		}
		logger := mw.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.LogAttrs(ctx, level, "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", duration),
		)
	})
}

// routeOf returns the path part of the matched [http.ServeMux] pattern, or
// the raw path when nothing matched. ServeMux sets Pattern on the request it
// was handed.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return r.URL.Path
	}
	route := r.Pattern
	if _, path, ok := strings.Cut(route, " "); ok {
		route = path
	}
	return route
}

// statusClass maps 404 to "4xx".
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
