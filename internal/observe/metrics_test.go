package observe

import (
	"context"
	"testing"

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

// sumWhere returns the value of the data point of counter name whose
// attribute key equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
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

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxlane.interarrival_jitter", m.InterarrivalJitter},
		{"voxlane.playout.latency", m.PlayoutLatency},
		{"voxlane.http.request.duration", m.HTTPRequestDuration},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.012)
		tc.h.Record(ctx, 0.034)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordSentAndReceived(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSent(ctx, "rtp", 100)
	m.RecordSent(ctx, "rtp", 50)
	m.RecordSent(ctx, "rtcp", 20)
	m.RecordReceived(ctx, "rtp")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxlane.packets.sent", "kind", "rtp"); got != 2 {
		t.Errorf("rtp sent = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxlane.packets.received", "kind", "rtp"); got != 1 {
		t.Errorf("rtp received = %d, want 1", got)
	}

	bytes := findMetric(rm, "voxlane.bytes.sent")
	if bytes == nil {
		t.Fatal("bytes metric not found")
	}
	if got := bytes.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 170 {
		t.Errorf("bytes sent = %d, want 170", got)
	}
}

func TestRecordDrop(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDrop(ctx, DropDuplicate)
	m.RecordDrop(ctx, DropDuplicate)
	m.RecordDrop(ctx, DropLate)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxlane.packets.dropped", "reason", DropDuplicate); got != 2 {
		t.Errorf("duplicates = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "voxlane.packets.dropped", "reason", DropLate); got != 1 {
		t.Errorf("late = %d, want 1", got)
	}
}

func TestRecordErrorsAndBreaker(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSendError(ctx, "10.0.0.2:5004")
	m.RecordPoolExhausted(ctx, "receiver")
	m.RecordBreakerTransition(ctx, "10.0.0.2:5004", "open")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "voxlane.send.errors", "destination", "10.0.0.2:5004"); got != 1 {
		t.Errorf("send errors = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "voxlane.pool.exhausted", "loop", "receiver"); got != 1 {
		t.Errorf("pool exhausted = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "voxlane.breaker.transitions", "state", "open"); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveParticipants.Add(ctx, 3)
	m.ActiveParticipants.Add(ctx, -1)

	rm := collect(t, reader)
	gauges := []struct {
		name string
		want int64
	}{
		{"voxlane.active_sessions", 1},
		{"voxlane.active_participants", 2},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCountersWithoutAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FECRecovered.Add(ctx, 2)
	m.FramesPlayed.Add(ctx, 5)
	m.PlayoutGaps.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", "silence")))

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"voxlane.fec.recovered":  2,
		"voxlane.playout.frames": 5,
		"voxlane.playout.gaps":   1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
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
