// Package observe provides the observability primitives of the captioner:
// OpenTelemetry metrics, tracing, trace-correlated logging and HTTP
// middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter set up by [InitProvider]. [DefaultMetrics] returns a
// package-level instance bound to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/captioner"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// ChunkDuration tracks the wall time spent processing one transcription
	// chunk end to end (preprocessing, ASR, diarisation, merge).
	ChunkDuration metric.Float64Histogram

	// ASRDuration tracks speech-to-text latency. Use with attribute:
	//   attribute.String("provider", ...)
	ASRDuration metric.Float64Histogram

	// DiarizeDuration tracks diarisation latency per chunk.
	DiarizeDuration metric.Float64Histogram

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ChunkErrors counts chunks skipped because a backend failed. Use with
	// attribute:
	//   attribute.String("stage", ...)
	ChunkErrors metric.Int64Counter

	// ChunkNotices counts chunks that produced a notice instead of lines.
	// Use with attribute:
	//   attribute.String("notice", ...)
	ChunkNotices metric.Int64Counter

	// Lines counts emitted transcript lines.
	Lines metric.Int64Counter

	// DroppedSamples counts samples discarded by a full ring buffer.
	DroppedSamples metric.Int64Counter

	// ActiveSpeakers tracks the number of distinct speaker profiles.
	ActiveSpeakers metric.Int64UpDownCounter

	// ActiveSessions tracks the number of running capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch transcription of multi-second chunks.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ChunkDuration, err = m.Float64Histogram("captioner.chunk.duration",
		metric.WithDescription("Processing time of one transcription chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ASRDuration, err = m.Float64Histogram("captioner.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DiarizeDuration, err = m.Float64Histogram("captioner.diarize.duration",
		metric.WithDescription("Latency of speaker diarisation per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("captioner.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ChunkErrors, err = m.Int64Counter("captioner.chunk.errors",
		metric.WithDescription("Chunks skipped because a backend failed, by stage."),
	); err != nil {
		return nil, err
	}
	if met.ChunkNotices, err = m.Int64Counter("captioner.chunk.notices",
		metric.WithDescription("Chunks that produced a notice instead of transcript lines."),
	); err != nil {
		return nil, err
	}
	if met.Lines, err = m.Int64Counter("captioner.lines",
		metric.WithDescription("Transcript lines emitted."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("captioner.ring.dropped_samples",
		metric.WithDescription("Samples discarded because the ring buffer was full."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSpeakers, err = m.Int64UpDownCounter("captioner.speakers.active",
		metric.WithDescription("Number of distinct speaker profiles."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("captioner.sessions.active",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("captioner.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one provider call with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordChunkError records a chunk skipped at stage ("asr", "diarize", ...).
func (m *Metrics) RecordChunkError(ctx context.Context, stage string) {
	m.ChunkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordNotice records a chunk that ended in notice.
func (m *Metrics) RecordNotice(ctx context.Context, notice string) {
	m.ChunkNotices.Add(ctx, 1, metric.WithAttributes(attribute.String("notice", notice)))
}
