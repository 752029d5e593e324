// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Barge-in ---

	// InterruptsExecuted counts interrupt sequences that ran. Use with attribute:
	//   attribute.String("source", "detector"|"manual")
	InterruptsExecuted metric.Int64Counter

	// InterruptsSuppressed counts interrupt requests that were no-ops. Use with
	// attributes:
	//   attribute.String("source", ...), attribute.String("reason", "cooldown"|"not_assistant_turn")
	InterruptsSuppressed metric.Int64Counter

	// TurnTransitions counts conversation phase changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	TurnTransitions metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts assistant audio chunks by outcome. Use with attribute:
	//   attribute.String("outcome", "played"|"discarded"|"malformed"|"failed")
	PlaybackChunks metric.Int64Counter

	// PlaybackStopDuration tracks how long StopImmediately took to silence the
	// in-flight chunk.
	PlaybackStopDuration metric.Float64Histogram

	// --- Upstream ---

	// UpstreamDialDuration tracks realtime session establishment latency. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	UpstreamDialDuration metric.Float64Histogram

	// UpstreamEvents counts inbound realtime events. Use with attribute:
	//   attribute.String("kind", ...)
	UpstreamEvents metric.Int64Counter

	// UpstreamFramesDropped counts microphone frames dropped because the
	// transport's outbound buffer was full.
	UpstreamFramesDropped metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live browser sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// stopBuckets covers playback stop latency, which should stay within one
// scheduling quantum.
var stopBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Barge-in.
	if met.InterruptsExecuted, err = m.Int64Counter("parley.interrupts.executed",
		metric.WithDescription("Interrupt sequences executed by trigger source."),
	); err != nil {
		return nil, err
	}
	if met.InterruptsSuppressed, err = m.Int64Counter("parley.interrupts.suppressed",
		metric.WithDescription("Interrupt requests ignored by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.TurnTransitions, err = m.Int64Counter("parley.turn.transitions",
		metric.WithDescription("Conversation phase transitions."),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("parley.playback.chunks",
		metric.WithDescription("Assistant audio chunks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStopDuration, err = m.Float64Histogram("parley.playback.stop.duration",
		metric.WithDescription("Time taken by an immediate playback stop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stopBuckets...),
	); err != nil {
		return nil, err
	}

	// Upstream.
	if met.UpstreamDialDuration, err = m.Float64Histogram("parley.upstream.dial.duration",
		metric.WithDescription("Latency of realtime session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamEvents, err = m.Int64Counter("parley.upstream.events",
		metric.WithDescription("Inbound realtime events by kind."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamFramesDropped, err = m.Int64Counter("parley.upstream.frames.dropped",
		metric.WithDescription("Microphone frames dropped on outbound backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live browser sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordInterrupt records one executed interrupt sequence.
func (m *Metrics) RecordInterrupt(ctx context.Context, source string) {
	m.InterruptsExecuted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordInterruptSuppressed records one interrupt request that was ignored.
func (m *Metrics) RecordInterruptSuppressed(ctx context.Context, source, reason string) {
	m.InterruptsSuppressed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransition records a phase change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.TurnTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordChunk records the outcome of one assistant audio chunk.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.PlaybackChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPlaybackStop records how long an immediate stop took.
func (m *Metrics) RecordPlaybackStop(ctx context.Context, d time.Duration) {
	m.PlaybackStopDuration.Record(ctx, d.Seconds())
}

// RecordDial records one upstream connection attempt.
func (m *Metrics) RecordDial(ctx context.Context, provider string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.UpstreamDialDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamEvent records one inbound realtime event.
func (m *Metrics) RecordUpstreamEvent(ctx context.Context, kind string) {
	m.UpstreamEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFrameDropped records one microphone frame lost to backpressure.
func (m *Metrics) RecordFrameDropped(ctx context.Context) {
	m.UpstreamFramesDropped.Add(ctx, 1)
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
