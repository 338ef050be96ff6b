// Package observe provides application-wide observability primitives for
// talkback: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all talkback metrics.
const meterName = "github.com/MrWong99/talkback"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// ConnectDuration tracks how long opening a transport session takes.
	ConnectDuration metric.Float64Histogram

	// PlaybackDuration tracks the rendered length of played items. Use with
	// attribute.String("kind", ...).
	PlaybackDuration metric.Float64Histogram

	// --- Counters ---

	// Fragments counts inbound audio fragments.
	Fragments metric.Int64Counter

	// Utterances counts completed inbound events. Use with
	// attribute.String("outcome", "completed"|"degraded"|"discarded").
	Utterances metric.Int64Counter

	// PlaybackItems counts items leaving the playback queue. Use with
	// attribute.String("outcome", ...), attribute.String("kind", ...).
	PlaybackItems metric.Int64Counter

	// Interruptions counts server-requested playback interruptions.
	Interruptions metric.Int64Counter

	// Keepalives counts pongs sent to the service.
	Keepalives metric.Int64Counter

	// ContextualUpdates counts contextual updates. Use with
	// attribute.String("status", ...).
	ContextualUpdates metric.Int64Counter

	// CaptureChunks counts relayed microphone fragments.
	CaptureChunks metric.Int64Counter

	// CaptureBytes counts relayed PCM bytes.
	CaptureBytes metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts transport failures. Use with
	// attribute.String("kind", "connect"|"receive").
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open transport sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets defines bucket boundaries (in seconds) for spoken audio.
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("talkback.session.connect.duration",
		metric.WithDescription("Latency of opening a transport session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("talkback.playback.duration",
		metric.WithDescription("Rendered length of played audio items."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Fragments, err = m.Int64Counter("talkback.audio.fragments",
		metric.WithDescription("Total inbound audio fragments."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("talkback.audio.utterances",
		metric.WithDescription("Total reassembled inbound utterances by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackItems, err = m.Int64Counter("talkback.playback.items",
		metric.WithDescription("Total playback items by outcome and decode kind."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("talkback.playback.interruptions",
		metric.WithDescription("Total server-requested playback interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Keepalives, err = m.Int64Counter("talkback.session.keepalives",
		metric.WithDescription("Total keepalive pongs sent."),
	); err != nil {
		return nil, err
	}
	if met.ContextualUpdates, err = m.Int64Counter("talkback.session.contextual_updates",
		metric.WithDescription("Total contextual updates by status."),
	); err != nil {
		return nil, err
	}
	if met.CaptureChunks, err = m.Int64Counter("talkback.capture.chunks",
		metric.WithDescription("Total microphone fragments relayed."),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Counter("talkback.capture.bytes",
		metric.WithDescription("Total PCM bytes relayed from the microphone."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("talkback.transport.errors",
		metric.WithDescription("Total transport errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talkback.active_sessions",
		metric.WithDescription("Number of open transport sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkback.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUtterance records one completed inbound event.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPlaybackItem records an item leaving the queue. The rendered length
// is only observed for played items.
func (m *Metrics) RecordPlaybackItem(ctx context.Context, outcome, kind string, d time.Duration) {
	m.PlaybackItems.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("kind", kind),
		),
	)
	if outcome == "played" && d > 0 {
		m.PlaybackDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordContextualUpdate records one contextual update attempt.
func (m *Metrics) RecordContextualUpdate(ctx context.Context, status string) {
	m.ContextualUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCaptureChunk records one relayed microphone fragment of n bytes.
func (m *Metrics) RecordCaptureChunk(ctx context.Context, n int) {
	m.CaptureChunks.Add(ctx, 1)
	m.CaptureBytes.Add(ctx, int64(n))
}

// RecordTransportError records a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
