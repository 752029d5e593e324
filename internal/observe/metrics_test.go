package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue returns the value of the data point of counter name whose
// attribute key equals value.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlaybackStop(ctx, 2*time.Millisecond)
	m.RecordPlaybackStop(ctx, 3*time.Millisecond)
	m.RecordDial(ctx, "openai", 120*time.Millisecond, nil)
	m.RecordDial(ctx, "openai", 5*time.Second, errors.New("timeout"))

	rm := collect(t, reader)

	for _, name := range []string{"parley.playback.stop.duration", "parley.upstream.dial.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			var total uint64
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
			if total != 2 {
				t.Errorf("sample count = %d, want 2", total)
			}
		})
	}
}

func TestInterruptCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInterrupt(ctx, "detector")
	m.RecordInterrupt(ctx, "detector")
	m.RecordInterrupt(ctx, "manual")
	m.RecordInterruptSuppressed(ctx, "manual", "cooldown")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "parley.interrupts.executed", "source", "detector"); got != 2 {
		t.Errorf("detector interrupts = %d, want 2", got)
	}
	if got := counterValue(t, rm, "parley.interrupts.executed", "source", "manual"); got != 1 {
		t.Errorf("manual interrupts = %d, want 1", got)
	}
	if got := counterValue(t, rm, "parley.interrupts.suppressed", "reason", "cooldown"); got != 1 {
		t.Errorf("suppressed = %d, want 1", got)
	}
}

func TestChunkAndEventCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunk(ctx, "played")
	m.RecordChunk(ctx, "played")
	m.RecordChunk(ctx, "discarded")
	m.RecordUpstreamEvent(ctx, "audioDelta")
	m.RecordTransition(ctx, "UserTurn", "AssistantTurn")
	m.RecordFrameDropped(ctx)
	m.RecordProviderError(ctx, "openai", "remote")

	rm := collect(t, reader)
	if got := counterValue(t, rm, "parley.playback.chunks", "outcome", "played"); got != 2 {
		t.Errorf("played = %d, want 2", got)
	}
	if got := counterValue(t, rm, "parley.playback.chunks", "outcome", "discarded"); got != 1 {
		t.Errorf("discarded = %d, want 1", got)
	}
	if got := counterValue(t, rm, "parley.upstream.events", "kind", "audioDelta"); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
	if got := counterValue(t, rm, "parley.turn.transitions", "to", "AssistantTurn"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
	if got := counterValue(t, rm, "parley.provider.errors", "provider", "openai"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
	if met := findMetric(rm, "parley.upstream.frames.dropped"); met == nil {
		t.Error("frames dropped metric not found")
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
