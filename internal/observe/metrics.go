// Package observe provides application-wide observability primitives for
// verba: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all verba metrics.
const meterName = "github.com/verba-ai/verba"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Live session ---

	// ConnectDuration tracks how long opening a live session takes, from
	// dial to setup ack.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of currently open live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Capture ---

	// FramesCaptured counts microphone frames delivered to the session.
	FramesCaptured metric.Int64Counter

	// FrameLevel tracks the RMS level of captured frames, 0..1.
	FrameLevel metric.Float64Histogram

	// --- Playback ---

	// ChunksScheduled counts audio chunks handed to the playback scheduler.
	ChunksScheduled metric.Int64Counter

	// DecodeFailures counts audio chunks dropped because they could not be
	// decoded.
	DecodeFailures metric.Int64Counter

	// Interruptions counts barge-ins that flushed scheduled playback.
	Interruptions metric.Int64Counter

	// --- Conversation ---

	// TurnsCompleted counts finalized conversation turns, including empty
	// ones that produced no messages.
	TurnsCompleted metric.Int64Counter

	// MessagesAppended counts messages persisted to the conversation store.
	// Use with attribute: attribute.String("role", ...)
	MessagesAppended metric.Int64Counter

	// TitlesGenerated counts conversation titles produced by the text
	// generation path.
	TitlesGenerated metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// levelBuckets defines bucket boundaries for normalized RMS levels. Quiet
// rooms sit near the bottom of the range, clipping speech near the top.
var levelBuckets = []float64{
	0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("verba.live.connect.duration",
		metric.WithDescription("Latency of opening a live session, dial to setup ack."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameLevel, err = m.Float64Histogram("verba.capture.level",
		metric.WithDescription("RMS level of captured microphone frames."),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("verba.capture.frames",
		metric.WithDescription("Total microphone frames delivered to the live session."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("verba.playback.chunks",
		metric.WithDescription("Total audio chunks handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("verba.playback.decode_failures",
		metric.WithDescription("Total audio chunks dropped because decoding failed."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("verba.playback.interruptions",
		metric.WithDescription("Total barge-ins that flushed scheduled playback."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("verba.convo.turns",
		metric.WithDescription("Total finalized conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.MessagesAppended, err = m.Int64Counter("verba.convo.messages",
		metric.WithDescription("Total messages persisted to the conversation store, by role."),
	); err != nil {
		return nil, err
	}
	if met.TitlesGenerated, err = m.Int64Counter("verba.convo.titles",
		metric.WithDescription("Total conversation titles generated."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("verba.live.active_sessions",
		metric.WithDescription("Number of currently open live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("verba.http.request.duration",
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

// RecordFrame records one captured frame and its RMS level.
func (m *Metrics) RecordFrame(ctx context.Context, level float64) {
	m.FramesCaptured.Add(ctx, 1)
	m.FrameLevel.Record(ctx, level)
}

// RecordMessageAppended records one persisted conversation message with its
// role attribute.
func (m *Metrics) RecordMessageAppended(ctx context.Context, role string) {
	m.MessagesAppended.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}
