// Package observe provides application-wide observability primitives for
// dubwire: OpenTelemetry metrics and the Prometheus exporter bridge serving
// the /metrics endpoint.
//
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

// meterName is the instrumentation scope name used for all dubwire metrics.
const meterName = "github.com/dubwire/dubwire"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Connection ---

	// ConnStateChanges counts connection state transitions. Use with
	// attribute.String("state", ...).
	ConnStateChanges metric.Int64Counter

	// ReconnectAttempts counts reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// FramesSent counts outbound audio frames delivered to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames dropped by the pipeline. Use with
	// attribute.String("reason", "not_open"|"queue_full").
	FramesDropped metric.Int64Counter

	// InboundMessages counts inbound server messages. Use with
	// attribute.String("type", ...).
	InboundMessages metric.Int64Counter

	// ProtocolErrors counts malformed inbound messages.
	ProtocolErrors metric.Int64Counter

	// --- Playback ---

	// PlaybackUnderruns counts queue exhaustions filled with silence.
	PlaybackUnderruns metric.Int64Counter

	// StaleAudioDropped counts inbound audio discarded for being at or
	// behind the last played sequence, or beyond the pending window. Use
	// with attribute.String("reason", "stale"|"window").
	StaleAudioDropped metric.Int64Counter

	// --- Quota ---

	// QuotaSyncDuration tracks quota sync round-trip latency.
	QuotaSyncDuration metric.Float64Histogram

	// QuotaUsedSeconds mirrors the ledger's confirmed daily usage.
	QuotaUsedSeconds metric.Float64Gauge

	// QuotaReservedSeconds mirrors the ledger's outstanding reservation.
	QuotaReservedSeconds metric.Float64Gauge

	// --- Session ---

	// ActiveSessions tracks live dubbing sessions (0 or 1 per host).
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks completed session length in seconds.
	SessionDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network round-trips.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers session lengths from seconds to hours.
var sessionBuckets = []float64{
	10, 30, 60, 300, 900, 1800, 3600, 7200, 14400,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnStateChanges, err = m.Int64Counter("dubwire.conn.state_changes",
		metric.WithDescription("Connection state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("dubwire.conn.reconnect_attempts",
		metric.WithDescription("Reconnection attempts after an unexpected disconnect."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("dubwire.capture.frames_sent",
		metric.WithDescription("Outbound audio frames delivered to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("dubwire.capture.frames_dropped",
		metric.WithDescription("Outbound audio frames dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.InboundMessages, err = m.Int64Counter("dubwire.conn.inbound_messages",
		metric.WithDescription("Inbound server messages by type."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("dubwire.conn.protocol_errors",
		metric.WithDescription("Malformed inbound messages dropped."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("dubwire.playback.underruns",
		metric.WithDescription("Playback queue exhaustions filled with silence."),
	); err != nil {
		return nil, err
	}
	if met.StaleAudioDropped, err = m.Int64Counter("dubwire.playback.dropped",
		metric.WithDescription("Inbound audio discarded by the sequencing window, by reason."),
	); err != nil {
		return nil, err
	}
	if met.QuotaSyncDuration, err = m.Float64Histogram("dubwire.quota.sync_duration",
		metric.WithDescription("Quota sync round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QuotaUsedSeconds, err = m.Float64Gauge("dubwire.quota.used_seconds",
		metric.WithDescription("Confirmed daily usage in seconds."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.QuotaReservedSeconds, err = m.Float64Gauge("dubwire.quota.reserved_seconds",
		metric.WithDescription("Outstanding quota reservation in seconds."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("dubwire.session.active",
		metric.WithDescription("Live dubbing sessions on this host."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("dubwire.session.duration",
		metric.WithDescription("Completed session length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the shared [Metrics] instance backed by the global
// OTel meter provider, or nil if instrument creation failed. Components
// treat a nil *Metrics as "metrics disabled".
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, _ = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics
}

// Attr is shorthand for a string attribute on a metric record call.
func Attr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// RecordGauge is a nil-safe helper for optional gauge instruments.
func RecordGauge(ctx context.Context, g metric.Float64Gauge, v float64) {
	if g != nil {
		g.Record(ctx, v)
	}
}
