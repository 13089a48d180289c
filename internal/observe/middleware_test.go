package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates metrics and tracing infrastructure for middleware tests.
// It swaps the global tracer provider, so these tests do not run in parallel.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// controlMux mimics the control API routes.
func controlMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"idle"}`))
	})
	mux.HandleFunc("GET /api/transcript/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/start", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "capture failed", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	return mux
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationID(t *testing.T) {
	m, _, _ := testSetup(t)
	handler := Middleware(m)(controlMux())

	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{name: "new trace"},
		{
			name:   "continues traceparent",
			header: http.Header{"Traceparent": {"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}},
			want:   "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, http.MethodGet, "/api/status", tt.header)
			got := rec.Header().Get("X-Correlation-ID")
			if len(got) != 32 {
				t.Fatalf("X-Correlation-ID = %q, want a 32-char trace id", got)
			}
			if tt.want != "" && got != tt.want {
				t.Errorf("X-Correlation-ID = %q, want %q", got, tt.want)
			}
			if rec.Header().Get("traceparent") == "" {
				t.Error("traceparent not injected into response")
			}
		})
	}
}

func TestMiddleware_SpansNamedByRoute(t *testing.T) {
	m, _, exp := testSetup(t)
	handler := Middleware(m)(controlMux())

	serve(handler, http.MethodGet, "/api/transcript/abc", nil)
	serve(handler, http.MethodGet, "/nowhere", nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if got := spans[0].Name; got != "HTTP GET /api/transcript/{id}" {
		t.Errorf("routed span name = %q", got)
	}
	var route string
	for _, a := range spans[0].Attributes {
		if a.Key == "http.route" {
			route = a.Value.AsString()
		}
	}
	if route != "/api/transcript/{id}" {
		t.Errorf("http.route = %q", route)
	}
	if got := spans[1].Name; got != "HTTP GET /nowhere" {
		t.Errorf("unrouted span name = %q", got)
	}
}

func TestMiddleware_StatusHandling(t *testing.T) {
	m, reader, exp := testSetup(t)
	handler := Middleware(m)(controlMux())

	tests := []struct {
		method, target string
		wantCode       int
		wantClass      string
		wantSpanError  bool
	}{
		{http.MethodGet, "/api/status", http.StatusOK, "2xx", false},
		{http.MethodGet, "/missing", http.StatusNotFound, "4xx", false},
		{http.MethodPost, "/api/start", http.StatusServiceUnavailable, "5xx", true},
	}
	for i, tt := range tests {
		rec := serve(handler, tt.method, tt.target, nil)
		if rec.Code != tt.wantCode {
			t.Errorf("%s %s: code = %d, want %d", tt.method, tt.target, rec.Code, tt.wantCode)
		}
		span := exp.GetSpans()[i]
		if got := span.Status.Code == codes.Error; got != tt.wantSpanError {
			t.Errorf("%s %s: span error = %v, want %v", tt.method, tt.target, got, tt.wantSpanError)
		}
	}

	met := findMetric(collect(t, reader), "voxlink.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	classes := map[string]bool{}
	for _, dp := range hist.DataPoints {
		if v, ok := dp.Attributes.Value("status"); ok {
			classes[v.AsString()] = true
		}
	}
	for _, tt := range tests {
		if !classes[tt.wantClass] {
			t.Errorf("no data point with status %q", tt.wantClass)
		}
	}
}

func TestMiddleware_RouteSharesSeries(t *testing.T) {
	m, reader, _ := testSetup(t)
	handler := Middleware(m)(controlMux())

	for _, id := range []string{"a", "b", "c"} {
		serve(handler, http.MethodGet, "/api/transcript/"+id, nil)
	}

	hist := findMetric(collect(t, reader), "voxlink.http.request.duration").Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d data points, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/api/transcript/{id}" {
		t.Errorf("path = %q", v.AsString())
	}
}

func TestMiddleware_QuietPaths(t *testing.T) {
	m, _, _ := testSetup(t)

	tests := []struct {
		name   string
		opts   []MiddlewareOption
		target string
		logged bool
	}{
		{name: "probe ok", target: "/healthz"},
		{name: "probe failing", target: "/readyz", logged: true},
		{name: "api", target: "/api/status", logged: true},
		{name: "custom quiet", opts: []MiddlewareOption{WithQuietPaths("/api/status")}, target: "/api/status"},
		{name: "custom replaces default", opts: []MiddlewareOption{WithQuietPaths("/api/status")}, target: "/healthz", logged: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
			opts := append([]MiddlewareOption{WithRequestLogger(logger)}, tt.opts...)
			handler := Middleware(m, opts...)(controlMux())

			serve(handler, http.MethodGet, tt.target, nil)

			if got := strings.Contains(buf.String(), "request completed"); got != tt.logged {
				t.Errorf("logged = %v, want %v (output %q)", got, tt.logged, buf.String())
			}
		})
	}
}

func TestStatusRecorder_FirstStatusWins(t *testing.T) {
	m, _, _ := testSetup(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler := Middleware(m, WithRequestLogger(logger))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	serve(handler, http.MethodGet, "/body-first", nil)

	if !strings.Contains(buf.String(), "status=200") {
		t.Errorf("log should report 200, got %q", buf.String())
	}
}
