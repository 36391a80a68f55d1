// Package observe provides application-wide observability primitives for
// avatarlink: OpenTelemetry metrics, tracing helpers, trace-aware logging and
// HTTP middleware for the debug server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the debug server's /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all avatarlink metrics.
const meterName = "github.com/MrWong99/avatarlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// UtteranceSendDuration tracks the time from speech end to mic-audio-end
	// being queued, including drain delay and snapshots.
	UtteranceSendDuration metric.Float64Histogram

	// SnapshotDuration tracks media snapshot capture.
	SnapshotDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the clock buffers are scheduled.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts mic-audio-data frames. Attribute: mode (utterance|continuous).
	FramesSent metric.Int64Counter

	// UtterancesSent counts completed utterance uploads.
	UtterancesSent metric.Int64Counter

	// VADEvents counts segmenter events. Attribute: event.
	VADEvents metric.Int64Counter

	// PlaybackTasks counts settled playback tasks. Attribute: status.
	PlaybackTasks metric.Int64Counter

	// BuffersScheduled counts PCM buffers handed to the output.
	BuffersScheduled metric.Int64Counter

	// Interruptions counts barge-ins. Attribute: origin (voice|backend|user).
	Interruptions metric.Int64Counter

	// Messages counts websocket messages. Attributes: direction, type.
	Messages metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes: name, to.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// Connected is 1 while the backend websocket is open.
	Connected metric.Int64UpDownCounter

	// QueueDepth tracks pending playback tasks.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug server request time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// pipeline latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.UtteranceSendDuration, "avatarlink.utterance.send.duration", "Time to upload one utterance including drain delay and snapshots."},
		{&met.SnapshotDuration, "avatarlink.snapshot.duration", "Latency of camera and screen snapshot capture."},
		{&met.PlaybackLead, "avatarlink.playback.lead", "Distance between the output clock and a buffer's scheduled start."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "avatarlink.frames.sent", "mic-audio-data frames sent by mode."},
		{&met.UtterancesSent, "avatarlink.utterances.sent", "Completed utterance uploads."},
		{&met.VADEvents, "avatarlink.vad.events", "Voice activity events by type."},
		{&met.PlaybackTasks, "avatarlink.playback.tasks", "Settled playback tasks by status."},
		{&met.BuffersScheduled, "avatarlink.playback.buffers", "PCM buffers scheduled on the output."},
		{&met.Interruptions, "avatarlink.interruptions", "Interruptions by origin."},
		{&met.Messages, "avatarlink.ws.messages", "Websocket messages by direction and type."},
		{&met.BreakerTransitions, "avatarlink.breaker.transitions", "Circuit breaker transitions by breaker and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.Connected, err = m.Int64UpDownCounter("avatarlink.ws.connected",
		metric.WithDescription("1 while the backend websocket is open."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("avatarlink.playback.queue_depth",
		metric.WithDescription("Pending playback tasks."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("avatarlink.http.request.duration",
		metric.WithDescription("Debug server request latency by method and path."),
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent increments FramesSent for mode.
func (m *Metrics) RecordFrameSent(ctx context.Context, mode string) {
	m.FramesSent.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode)))
}

// RecordVADEvent increments VADEvents for event.
func (m *Metrics) RecordVADEvent(ctx context.Context, event string) {
	m.VADEvents.Add(ctx, 1, metric.WithAttributes(Attr("event", event)))
}

// RecordPlaybackTask increments PlaybackTasks for status.
func (m *Metrics) RecordPlaybackTask(ctx context.Context, status string) {
	m.PlaybackTasks.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordInterruption increments Interruptions for origin.
func (m *Metrics) RecordInterruption(ctx context.Context, origin string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(Attr("origin", origin)))
}

// RecordMessage increments Messages for direction (in|out) and message type.
func (m *Metrics) RecordMessage(ctx context.Context, direction, msgType string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(
		Attr("direction", direction),
		Attr("type", msgType),
	))
}

// RecordBreakerTransition increments BreakerTransitions.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		Attr("name", name),
		Attr("to", to),
	))
}
