// Package observe provides the client's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// for the local status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus exporter so the status server can serve
// /metrics. [DefaultMetrics] returns a package-level instance; tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every client instrument.
const meterName = "github.com/lapy/xiaozhi-esp32-server"

// Metrics holds the client's instruments. All fields are safe for concurrent
// use.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks dial plus hello round trip. Attribute:
	//   attribute.String("status", "ok"|"error")
	HandshakeDuration metric.Float64Histogram

	// ProvisionDuration tracks OTA check latency. Attribute: status.
	ProvisionDuration metric.Float64Histogram

	// PlaybackStartDelay tracks the time from the first packet of a response
	// to the first scheduled chunk.
	PlaybackStartDelay metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts encoded microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// PacketsReceived counts binary packets received from the service,
	// end-of-stream sentinels excluded.
	PacketsReceived metric.Int64Counter

	// Messages counts inbound text messages. Attribute:
	//   attribute.String("type", ...)
	Messages metric.Int64Counter

	// Reconnects counts reconnect attempts. Attribute: status.
	Reconnects metric.Int64Counter

	// --- Error counters ---

	// CodecErrors counts frames or packets the codec rejected. Attribute:
	//   attribute.String("op", "encode"|"decode")
	CodecErrors metric.Int64Counter

	// ParseErrors counts text frames that were not valid protocol messages.
	ParseErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a session is active.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePlayback is 1 while a playback context is running.
	ActivePlayback metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server requests. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, sized for network
// round trips and jitter-buffer fill times.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.HandshakeDuration, err = m.Float64Histogram("xiaozhi.session.handshake.duration",
		metric.WithDescription("Latency of websocket dial plus hello handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProvisionDuration, err = m.Float64Histogram("xiaozhi.ota.duration",
		metric.WithDescription("Latency of the OTA provisioning check."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackStartDelay, err = m.Float64Histogram("xiaozhi.playback.start_delay",
		metric.WithDescription("Time from the first received packet to the first scheduled chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("xiaozhi.capture.frames",
		metric.WithDescription("Encoded microphone frames sent to the service."),
	); err != nil {
		return nil, err
	}
	if met.PacketsReceived, err = m.Int64Counter("xiaozhi.playback.packets",
		metric.WithDescription("Audio packets received from the service."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("xiaozhi.session.messages",
		metric.WithDescription("Inbound text messages by type."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("xiaozhi.session.reconnects",
		metric.WithDescription("Reconnect attempts by status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CodecErrors, err = m.Int64Counter("xiaozhi.codec.errors",
		metric.WithDescription("Codec failures by operation."),
	); err != nil {
		return nil, err
	}
	if met.ParseErrors, err = m.Int64Counter("xiaozhi.session.parse_errors",
		metric.WithDescription("Inbound text frames that failed to parse."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("xiaozhi.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("xiaozhi.active_sessions",
		metric.WithDescription("Number of active assistant sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActivePlayback, err = m.Int64UpDownCounter("xiaozhi.active_playback",
		metric.WithDescription("Number of running playback contexts."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("xiaozhi.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Status maps an error to the "ok"/"error" attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordHandshake records one handshake attempt.
func (m *Metrics) RecordHandshake(ctx context.Context, d time.Duration, err error) {
	m.HandshakeDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", Status(err))),
	)
}

// RecordProvision records one OTA check.
func (m *Metrics) RecordProvision(ctx context.Context, d time.Duration, err error) {
	m.ProvisionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", Status(err))),
	)
}

// RecordMessage counts an inbound text message.
func (m *Metrics) RecordMessage(ctx context.Context, typ string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordReconnect counts a reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, err error) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", Status(err))),
	)
}

// RecordCodecError counts a codec failure for op ("encode" or "decode").
func (m *Metrics) RecordCodecError(ctx context.Context, op string, n int64) {
	if n <= 0 {
		return
	}
	m.CodecErrors.Add(ctx, n, metric.WithAttributes(attribute.String("op", op)))
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
