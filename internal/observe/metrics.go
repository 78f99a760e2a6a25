// Package observe provides application-wide observability primitives for
// voicecast: OpenTelemetry metrics, tracing, trace-aware logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. [DefaultMetrics] binds to the global meter
// provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicecast metrics.
const meterName = "github.com/MrWong99/voicecast"

// Status attribute values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TTSDuration tracks the synthesis latency of a single chunk, retries
	// included.
	TTSDuration metric.Float64Histogram

	// SpeechDuration tracks a whole speech request: chunking, fan-out and merge.
	SpeechDuration metric.Float64Histogram

	// RenderDuration tracks video encoder runs. Cache hits are not recorded.
	RenderDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Distributions ---

	// ChunksPerRequest records how many chunks each speech request fans out to.
	ChunksPerRequest metric.Int64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ArtifactBytes counts bytes of finished artifacts. Use with attribute:
	//   attribute.String("kind", "audio"|"video")
	ArtifactBytes metric.Int64Counter

	// RenderCache counts render lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss")
	RenderCache metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks in-flight speech and video requests. Use with
	// attribute: attribute.String("kind", ...)
	ActiveRequests metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Speech
// synthesis and video encoding both run from sub-second to minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

var chunkBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 34, 55}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTSDuration, err = m.Float64Histogram("voicecast.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("voicecast.speech.duration",
		metric.WithDescription("Latency of a complete speech request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenderDuration, err = m.Float64Histogram("voicecast.render.duration",
		metric.WithDescription("Latency of video encoder runs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ChunksPerRequest, err = m.Int64Histogram("voicecast.speech.chunks",
		metric.WithDescription("Number of text chunks per speech request."),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicecast.provider.requests",
		metric.WithDescription("Total provider calls by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voicecast.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactBytes, err = m.Int64Counter("voicecast.artifact.bytes",
		metric.WithDescription("Bytes of finished artifacts by kind."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.RenderCache, err = m.Int64Counter("voicecast.render.cache",
		metric.WithDescription("Video render lookups by cache result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRequests, err = m.Int64UpDownCounter("voicecast.active_requests",
		metric.WithDescription("Number of in-flight speech and video requests."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// StatusOf maps err to [StatusOK] or [StatusError].
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}

// RecordProviderCall records one provider call: its latency into h, the
// request counter, and the error counter when err is non-nil.
func (m *Metrics) RecordProviderCall(ctx context.Context, h metric.Float64Histogram, provider, kind string, d time.Duration, err error) {
	status := StatusOf(err)
	h.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	m.RecordProviderRequest(ctx, provider, kind, status)
	if err != nil {
		m.RecordProviderError(ctx, provider, kind)
	}
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordArtifact adds n bytes of a finished artifact of the given kind.
func (m *Metrics) RecordArtifact(ctx context.Context, kind string, n int64) {
	m.ArtifactBytes.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRenderCache counts a render lookup as a hit or miss.
func (m *Metrics) RecordRenderCache(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.RenderCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// TrackActive increments the in-flight gauge for kind and returns a function
// that decrements it again.
func (m *Metrics) TrackActive(ctx context.Context, kind string) func() {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.ActiveRequests.Add(ctx, 1, attrs)
	return func() { m.ActiveRequests.Add(ctx, -1, attrs) }
}
