// Package observe provides application-wide observability primitives for
// netassist: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry so they can be scraped from /metrics.
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all netassist metrics.
const meterName = "github.com/MrWong99/netassist"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long a voice connect takes from the call
	// to the transport acknowledging the setup.
	ConnectDuration metric.Float64Histogram

	// ChatDuration tracks text-channel round trips.
	ChatDuration metric.Float64Histogram

	// HTTPRequestDuration tracks operational endpoint latency. Use with
	// attributes: attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Voice session counters ---

	// ConnectFailures counts failed connects. Use with attribute:
	//   attribute.String("kind", "device"|"transport"|"canceled"|"other")
	ConnectFailures metric.Int64Counter

	// SessionsClosed counts ended sessions. Use with attribute:
	//   attribute.String("reason", "user"|"remote"|"error")
	SessionsClosed metric.Int64Counter

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames that were not sent.
	FramesDropped metric.Int64Counter

	// SegmentsScheduled counts inbound audio segments placed on the timeline.
	SegmentsScheduled metric.Int64Counter

	// SegmentsDropped counts inbound audio segments that could not be
	// played. Use with attribute:
	//   attribute.String("reason", "decode"|"closed")
	SegmentsDropped metric.Int64Counter

	// ScheduledAudio accumulates the duration of scheduled model speech.
	ScheduledAudio metric.Float64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// UnitsCanceled counts playback units cut by interruptions.
	UnitsCanceled metric.Int64Counter

	// Transcripts counts transcript fragments. Use with attribute:
	//   attribute.String("speaker", "user"|"model")
	Transcripts metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// --- Chat ---

	// ChatRequests counts text-channel requests. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ChatRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips to the assistant backend.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("netassist.voice.connect.duration",
		metric.WithDescription("Latency of establishing a voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChatDuration, err = m.Float64Histogram("netassist.chat.duration",
		metric.WithDescription("Latency of a text-channel round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("netassist.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ConnectFailures, "netassist.voice.connect.failures", "Failed voice connects by kind."},
		{&met.SessionsClosed, "netassist.voice.sessions.closed", "Ended voice sessions by reason."},
		{&met.FramesSent, "netassist.capture.frames.sent", "Microphone frames sent to the transport."},
		{&met.FramesDropped, "netassist.capture.frames.dropped", "Microphone frames dropped before sending."},
		{&met.SegmentsScheduled, "netassist.playback.segments.scheduled", "Inbound audio segments scheduled for playback."},
		{&met.SegmentsDropped, "netassist.playback.segments.dropped", "Inbound audio segments dropped by reason."},
		{&met.Interruptions, "netassist.playback.interruptions", "Server-reported interruptions."},
		{&met.UnitsCanceled, "netassist.playback.units.canceled", "Playback units cut by interruptions."},
		{&met.Transcripts, "netassist.voice.transcripts", "Transcript fragments by speaker."},
		{&met.Turns, "netassist.voice.turns", "Completed model turns."},
		{&met.ChatRequests, "netassist.chat.requests", "Text-channel requests by provider and status."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ScheduledAudio, err = m.Float64Counter("netassist.playback.scheduled_audio",
		metric.WithDescription("Total duration of model speech scheduled for playback."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("netassist.voice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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
// fails (should not happen with the global provider).
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

// RecordSessionClosed counts an ended voice session.
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordConnectFailure counts a failed voice connect.
func (m *Metrics) RecordConnectFailure(ctx context.Context, kind string) {
	m.ConnectFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSegmentDropped counts an inbound audio segment that was not played.
func (m *Metrics) RecordSegmentDropped(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTranscript counts one transcript fragment.
func (m *Metrics) RecordTranscript(ctx context.Context, speaker string) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordChatRequest counts one text-channel request.
func (m *Metrics) RecordChatRequest(ctx context.Context, provider, status string) {
	m.ChatRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}
