// Package observe provides application-wide observability primitives for
// voxlane: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voxlane metrics.
const meterName = "github.com/MrWong99/voxlane"

// Drop reasons recorded with [Metrics.RecordDrop].
const (
	DropOwnSSRC     = "own_ssrc"
	DropMalformed   = "malformed"
	DropBadSequence = "bad_sequence"
	DropDuplicate   = "duplicate"
	DropLate        = "late"
	DropOverflow    = "overflow"
	DropDecode      = "decode"
	DropCircuitOpen = "circuit_open"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Transport counters ---

	// PacketsSent counts datagrams written. Use with attribute:
	//   attribute.String("kind", "rtp"|"rtcp")
	PacketsSent metric.Int64Counter

	// BytesSent counts datagram bytes written, per destination fan-out.
	BytesSent metric.Int64Counter

	// PacketsReceived counts datagrams read. Use with attribute:
	//   attribute.String("kind", "rtp"|"rtcp")
	PacketsReceived metric.Int64Counter

	// SendErrors counts failed writes. Use with attribute:
	//   attribute.String("destination", ...)
	SendErrors metric.Int64Counter

	// PacketsDropped counts received packets or units discarded. Use with
	// attribute attribute.String("reason", ...), see the Drop* constants.
	PacketsDropped metric.Int64Counter

	// FECRecovered counts packets rebuilt from parity.
	FECRecovered metric.Int64Counter

	// --- Playout counters ---

	// FramesPlayed counts frames handed to the playback device.
	FramesPlayed metric.Int64Counter

	// PlayoutGaps counts concealed quanta.
	PlayoutGaps metric.Int64Counter

	// PoolExhausted counts frame pool acquisition failures. Use with attribute:
	//   attribute.String("loop", "sender"|"receiver")
	PoolExhausted metric.Int64Counter

	// BreakerTransitions counts destination circuit breaker transitions. Use
	// with attributes attribute.String("destination", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running transport sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of known remote senders.
	ActiveParticipants metric.Int64UpDownCounter

	// --- Histograms ---

	// InterarrivalJitter records the RFC 3550 jitter estimate per report, in
	// seconds.
	InterarrivalJitter metric.Float64Histogram

	// PlayoutLatency records the time between arrival and playout of an entry.
	PlayoutLatency metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// real-time audio delays.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.06, 0.1, 0.2, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.PacketsSent, "voxlane.packets.sent", "Datagrams written by kind.", ""},
		{&met.BytesSent, "voxlane.bytes.sent", "Datagram bytes written.", "By"},
		{&met.PacketsReceived, "voxlane.packets.received", "Datagrams read by kind.", ""},
		{&met.SendErrors, "voxlane.send.errors", "Failed datagram writes by destination.", ""},
		{&met.PacketsDropped, "voxlane.packets.dropped", "Received packets or units discarded by reason.", ""},
		{&met.FECRecovered, "voxlane.fec.recovered", "Packets rebuilt from parity.", ""},
		{&met.FramesPlayed, "voxlane.playout.frames", "Frames handed to the playback device.", ""},
		{&met.PlayoutGaps, "voxlane.playout.gaps", "Concealed playout quanta.", ""},
		{&met.PoolExhausted, "voxlane.pool.exhausted", "Frame pool acquisition failures by loop.", ""},
		{&met.BreakerTransitions, "voxlane.breaker.transitions", "Destination circuit breaker transitions.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlane.active_sessions",
		metric.WithDescription("Number of running transport sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("voxlane.active_participants",
		metric.WithDescription("Number of known remote senders."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.InterarrivalJitter, err = m.Float64Histogram("voxlane.interarrival_jitter",
		metric.WithDescription("RFC 3550 interarrival jitter estimate."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlayoutLatency, err = m.Float64Histogram("voxlane.playout.latency",
		metric.WithDescription("Time between arrival and playout of an entry."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlane.http.request.duration",
		metric.WithDescription("Admin endpoint latency by method, route and status."),
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

// RecordSent records one datagram of n bytes written to a destination.
func (m *Metrics) RecordSent(ctx context.Context, kind string, n int) {
	m.PacketsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	m.BytesSent.Add(ctx, int64(n))
}

// RecordReceived records one datagram read.
func (m *Metrics) RecordReceived(ctx context.Context, kind string) {
	m.PacketsReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSendError records a failed write to destination.
func (m *Metrics) RecordSendError(ctx context.Context, destination string) {
	m.SendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
}

// RecordDrop records a discarded packet or unit.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.PacketsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPoolExhausted records a failed frame acquisition in loop.
func (m *Metrics) RecordPoolExhausted(ctx context.Context, loop string) {
	m.PoolExhausted.Add(ctx, 1, metric.WithAttributes(attribute.String("loop", loop)))
}

// RecordBreakerTransition records a destination circuit breaker changing to
// state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, destination, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("destination", destination),
			attribute.String("state", state),
		),
	)
}
