// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DialDuration tracks the WebSocket handshake latency per connection.
	DialDuration metric.Float64Histogram

	// LogFetchDuration tracks remote log-store poll latency.
	LogFetchDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureFrames counts microphone frames. Use with attribute:
	//   attribute.String("outcome", "sent"|"dropped"|"idle")
	CaptureFrames metric.Int64Counter

	// AudioBytes counts PCM bytes on the wire. Use with attribute:
	//   attribute.String("direction", "in"|"out")
	AudioBytes metric.Int64Counter

	// PlaybackEvents counts playback queue events. Use with attribute:
	//   attribute.String("event", ...)
	PlaybackEvents metric.Int64Counter

	// BargeIns counts playback interruptions caused by the user speaking.
	BargeIns metric.Int64Counter

	// Connections counts connection lifecycle outcomes. Use with attributes:
	//   attribute.String("language", ...), attribute.String("outcome", ...)
	Connections metric.Int64Counter

	// TranscriptUpdates counts reconciled transcript updates. Use with attribute:
	//   attribute.String("outcome", ...)
	TranscriptUpdates metric.Int64Counter

	// LogFetches counts remote log-store polls. Use with attribute:
	//   attribute.String("status", ...)
	LogFetches metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts non-fatal inbound errors. Use with attribute:
	//   attribute.String("kind", "malformed"|"server_error"|"invalid_audio")
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of open duplex connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for network
// round trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialDuration, err = m.Float64Histogram("voxlink.connection.dial.duration",
		metric.WithDescription("Latency of the duplex channel handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LogFetchDuration, err = m.Float64Histogram("voxlink.logfeed.fetch.duration",
		metric.WithDescription("Latency of remote log-store polls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("voxlink.capture.frames",
		metric.WithDescription("Total microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("voxlink.audio.bytes",
		metric.WithDescription("Total PCM bytes exchanged by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.PlaybackEvents, err = m.Int64Counter("voxlink.playback.events",
		metric.WithDescription("Total playback queue events by kind."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxlink.playback.barge_ins",
		metric.WithDescription("Total playback interruptions caused by user speech."),
	); err != nil {
		return nil, err
	}
	if met.Connections, err = m.Int64Counter("voxlink.connections",
		metric.WithDescription("Total connection lifecycle outcomes by language."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptUpdates, err = m.Int64Counter("voxlink.transcript.updates",
		metric.WithDescription("Total transcript updates by reconciliation outcome."),
	); err != nil {
		return nil, err
	}
	if met.LogFetches, err = m.Int64Counter("voxlink.logfeed.fetches",
		metric.WithDescription("Total remote log-store polls by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("voxlink.protocol.errors",
		metric.WithDescription("Total non-fatal inbound errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxlink.active_connections",
		metric.WithDescription("Number of open duplex connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordFrame records one microphone frame with the given outcome.
func (m *Metrics) RecordFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAudioBytes records n PCM bytes moving in direction ("in" or "out").
func (m *Metrics) RecordAudioBytes(ctx context.Context, direction string, n int) {
	m.AudioBytes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordPlayback records one playback queue event.
func (m *Metrics) RecordPlayback(ctx context.Context, event string) {
	m.PlaybackEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordConnection records a connection lifecycle outcome for language.
func (m *Metrics) RecordConnection(ctx context.Context, language, outcome string) {
	m.Connections.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTranscriptUpdate records one reconciled transcript update.
func (m *Metrics) RecordTranscriptUpdate(ctx context.Context, outcome string) {
	m.TranscriptUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProtocolError records one non-fatal inbound error.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordLogFetch records one remote log-store poll.
func (m *Metrics) RecordLogFetch(ctx context.Context, status string) {
	m.LogFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
