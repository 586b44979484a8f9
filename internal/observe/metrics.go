// Package observe provides application-wide observability for recapd:
// OpenTelemetry metrics with a Prometheus exporter bridge so the
// standard /metrics endpoint keeps working.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A
// package-level default [Metrics] instance ([DefaultMetrics]) is
// provided for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all recapd metrics.
const meterName = "github.com/lucasvandyk/recapd"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks batch transcription latency per audio record.
	STTDuration metric.Float64Histogram

	// RecapDuration tracks recap window build latency (gather + LLM +
	// shaping).
	RecapDuration metric.Float64Histogram

	// CaptureDuration tracks frame capture latency (resize + encode +
	// store).
	CaptureDuration metric.Float64Histogram

	// QnaDuration tracks Q&A answer latency by tier.
	QnaDuration metric.Float64Histogram

	// --- Counters ---

	// EventsPublished counts bus events by event name.
	EventsPublished metric.Int64Counter

	// EventsDropped counts events dropped by slow subscribers.
	EventsDropped metric.Int64Counter

	// RecordsFinalized counts finalized audio records by status.
	RecordsFinalized metric.Int64Counter

	// FramesConfirmed counts confirmed slide-change captures.
	FramesConfirmed metric.Int64Counter

	// FramesDeduped counts captures skipped as checksum duplicates.
	FramesDeduped metric.Int64Counter

	// WindowsEmitted counts first-revision recap windows.
	WindowsEmitted metric.Int64Counter

	// WindowsRevised counts recap window revisions after late evidence.
	WindowsRevised metric.Int64Counter

	// DBWriteFailures counts persistence failures by table. Writes are
	// fire-and-forget; this counter is the only surface of a failure
	// besides the log.
	DBWriteFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds)
// covering fast capture paths up to long batch transcriptions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the
// given [metric.MeterProvider]. Returns an error if any instrument
// creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("recapd.stt.duration",
		metric.WithDescription("Latency of batch speech-to-text per audio record."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecapDuration, err = m.Float64Histogram("recapd.recap.duration",
		metric.WithDescription("Latency of recap window builds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("recapd.capture.duration",
		metric.WithDescription("Latency of slide-change frame captures."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QnaDuration, err = m.Float64Histogram("recapd.qna.duration",
		metric.WithDescription("Latency of Q&A answers by tier."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsPublished, err = m.Int64Counter("recapd.bus.events_published",
		metric.WithDescription("Total bus events published by event name."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("recapd.bus.events_dropped",
		metric.WithDescription("Total bus events dropped by slow subscribers."),
	); err != nil {
		return nil, err
	}
	if met.RecordsFinalized, err = m.Int64Counter("recapd.audio.records_finalized",
		metric.WithDescription("Total finalized audio records by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesConfirmed, err = m.Int64Counter("recapd.vision.frames_confirmed",
		metric.WithDescription("Total confirmed slide-change captures."),
	); err != nil {
		return nil, err
	}
	if met.FramesDeduped, err = m.Int64Counter("recapd.vision.frames_deduped",
		metric.WithDescription("Total captures skipped as checksum duplicates."),
	); err != nil {
		return nil, err
	}
	if met.WindowsEmitted, err = m.Int64Counter("recapd.recap.windows_emitted",
		metric.WithDescription("Total first-revision recap windows."),
	); err != nil {
		return nil, err
	}
	if met.WindowsRevised, err = m.Int64Counter("recapd.recap.windows_revised",
		metric.WithDescription("Total recap window revisions after late evidence."),
	); err != nil {
		return nil, err
	}
	if met.DBWriteFailures, err = m.Int64Counter("recapd.store.write_failures",
		metric.WithDescription("Total persistence write failures by table."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("recapd.active_sessions",
		metric.WithDescription("Number of live sessions."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating
// it on first call using [otel.GetMeterProvider]. Subsequent calls
// return the same pointer. Panics if instrument creation fails (should
// not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce
// verbosity at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEventPublished records one published bus event.
func (m *Metrics) RecordEventPublished(ctx context.Context, event string) {
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordRecordFinalized records one finalized audio record.
func (m *Metrics) RecordRecordFinalized(ctx context.Context, status string) {
	m.RecordsFinalized.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDBWriteFailure records one failed persistence write.
func (m *Metrics) RecordDBWriteFailure(ctx context.Context, table string) {
	m.DBWriteFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("table", table)),
	)
}

// RecordQnaAnswer records one answered query with its tier and latency
// in seconds.
func (m *Metrics) RecordQnaAnswer(ctx context.Context, tier string, seconds float64) {
	m.QnaDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}
