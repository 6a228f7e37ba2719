// Package observe provides application-wide observability primitives for
// patientsim: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all patientsim
// metrics.
const meterName = "github.com/oslerlabs/patientsim"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscriptFinals counts admitted final transcript events. Use with
	// attributes:
	//   attribute.String("role", ...), attribute.String("source", ...)
	TranscriptFinals metric.Int64Counter

	// SuppressedFinals counts finals suppressed before delivery. Use with
	// attributes:
	//   attribute.String("role", ...), attribute.String("signal", ...)
	SuppressedFinals metric.Int64Counter

	// InstructionSyncs counts instruction synchronisation activity. Use with
	// attribute:
	//   attribute.String("outcome", ...)
	InstructionSyncs metric.Int64Counter

	// RelayRequests counts relay HTTP requests. Use with attribute:
	//   attribute.String("status", ...)
	RelayRequests metric.Int64Counter

	// RelayFailures counts relay leg failures. Use with attribute:
	//   attribute.String("leg", "broadcast"|"persist")
	RelayFailures metric.Int64Counter

	// ActiveConversations tracks the number of open conversations.
	ActiveConversations metric.Int64UpDownCounter

	// HandshakeDuration tracks the connection handshake latency.
	HandshakeDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscriptFinals, err = m.Int64Counter("patientsim.transcript.finals",
		metric.WithDescription("Admitted final transcript events by role and source."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedFinals, err = m.Int64Counter("patientsim.transcript.suppressed",
		metric.WithDescription("Final transcript events suppressed before delivery, by role and signal."),
	); err != nil {
		return nil, err
	}
	if met.InstructionSyncs, err = m.Int64Counter("patientsim.instructions.syncs",
		metric.WithDescription("Instruction synchronisation activity by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RelayRequests, err = m.Int64Counter("patientsim.relay.requests",
		metric.WithDescription("Relay HTTP requests by status."),
	); err != nil {
		return nil, err
	}
	if met.RelayFailures, err = m.Int64Counter("patientsim.relay.failures",
		metric.WithDescription("Relay leg failures by leg (broadcast or persist)."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversations, err = m.Int64UpDownCounter("patientsim.active_conversations",
		metric.WithDescription("Number of open conversations."),
	); err != nil {
		return nil, err
	}

	if met.HandshakeDuration, err = m.Float64Histogram("patientsim.connection.handshake.duration",
		metric.WithDescription("Connection handshake latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("patientsim.http.request.duration",
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

// RecordTranscriptEvent records an admitted final transcript event.
func (m *Metrics) RecordTranscriptEvent(ctx context.Context, role, source string) {
	m.TranscriptFinals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("source", source),
		),
	)
}

// RecordSuppressed records a final suppressed before delivery. signal names
// the suppression cause ("identifier", "last_final", "window_text",
// "reuse_guard").
func (m *Metrics) RecordSuppressed(ctx context.Context, role, signal string) {
	m.SuppressedFinals.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.String("signal", signal),
		),
	)
}

// RecordInstructionSync records instruction synchronisation activity.
func (m *Metrics) RecordInstructionSync(ctx context.Context, outcome string) {
	m.InstructionSyncs.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordRelayRequest records a relay HTTP request outcome.
func (m *Metrics) RecordRelayRequest(ctx context.Context, status string) {
	m.RelayRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRelayFailure records a failed relay leg.
func (m *Metrics) RecordRelayFailure(ctx context.Context, leg string) {
	m.RelayFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("leg", leg)),
	)
}

// AddActiveConversations adjusts the open-conversation gauge by delta.
func (m *Metrics) AddActiveConversations(ctx context.Context, delta int64) {
	m.ActiveConversations.Add(ctx, delta)
}
