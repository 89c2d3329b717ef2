// Package observe provides application-wide observability primitives for
// whisperd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all whisperd metrics.
const meterName = "github.com/voxhall/whisperd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks final transcription latency. Use with
	// attribute:
	//   attribute.String("source", "stream"|"file")
	TranscriptionDuration metric.Float64Histogram

	// PreviewDuration tracks realtime preview inference latency.
	PreviewDuration metric.Float64Histogram

	// ModelLoadDuration tracks whisper model load latency.
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// AuthAttempts counts authentication attempts. Use with attributes:
	//   attribute.String("surface", "http"|"ws"), attribute.String("status", ...)
	AuthAttempts metric.Int64Counter

	// AudioChunks counts binary audio frames. Use with attribute:
	//   attribute.String("status", "ok"|"dropped")
	AudioChunks metric.Int64Counter

	// --- Error counters ---

	// TranscriptionErrors counts failed transcriptions. Use with attribute:
	//   attribute.String("source", "stream"|"file")
	TranscriptionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions. Single-
	// session locking keeps this at 0 or 1; the gauge form keeps the scrape
	// shape conventional.
	ActiveSessions metric.Int64UpDownCounter

	// ModelResident reports whether the whisper model is loaded (0 or 1).
	ModelResident metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription latencies. Longer recordings push finalization well past
// typical HTTP latencies, hence the 30s and 60s buckets.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("whisperd.transcription.duration",
		metric.WithDescription("Latency of final transcription by source."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PreviewDuration, err = m.Float64Histogram("whisperd.preview.duration",
		metric.WithDescription("Latency of realtime preview inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("whisperd.model.load.duration",
		metric.WithDescription("Latency of whisper model loading."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AuthAttempts, err = m.Int64Counter("whisperd.auth.attempts",
		metric.WithDescription("Total authentication attempts by surface and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("whisperd.audio.chunks",
		metric.WithDescription("Total binary audio frames by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscriptionErrors, err = m.Int64Counter("whisperd.transcription.errors",
		metric.WithDescription("Total failed transcriptions by source."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("whisperd.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.ModelResident, err = m.Int64UpDownCounter("whisperd.model.resident",
		metric.WithDescription("Whether the whisper model is loaded (0 or 1)."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("whisperd.http.request.duration",
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

// RecordAuthAttempt is a convenience method that records an authentication
// attempt counter increment with the standard attribute set.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, surface, status string) {
	m.AuthAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("surface", surface),
			attribute.String("status", status),
		),
	)
}

// RecordAudioChunk is a convenience method that records an audio frame
// counter increment.
func (m *Metrics) RecordAudioChunk(ctx context.Context, status string) {
	m.AudioChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTranscription is a convenience method that records a completed
// transcription's duration, or an error counter increment when it failed.
func (m *Metrics) RecordTranscription(ctx context.Context, source string, seconds float64, err error) {
	if err != nil {
		m.TranscriptionErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("source", source)),
		)
		return
	}
	m.TranscriptionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
