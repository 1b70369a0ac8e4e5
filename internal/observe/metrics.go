// Package observe provides application-wide observability primitives for
// the simulation gateway: OpenTelemetry metrics, distributed tracing,
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider]; this module registers no
// /metrics HTTP route to serve it. A package-level default
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

// meterName is the instrumentation scope name used for all gateway metrics.
const meterName = "github.com/MrWong99/simgateway"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TickDuration tracks one session heartbeat tick's processing latency
	//.
	TickDuration metric.Float64Histogram

	// OrderCompletionDuration tracks the wall-clock time from order
	// creation to completion.
	OrderCompletionDuration metric.Float64Histogram

	// VoiceAdapterLatency tracks round-trip latency to the upstream
	// realtime voice/LLM provider.
	VoiceAdapterLatency metric.Float64Histogram

	// --- Counters ---

	// OrdersCompleted counts completed orders. Use with attribute:
	//   attribute.String("order_type", ...)
	OrdersCompleted metric.Int64Counter

	// IntentsApproved counts Tool Gate approvals. Use with attribute:
	//   attribute.String("intent_type", ...)
	IntentsApproved metric.Int64Counter

	// IntentsRejected counts Tool Gate rejections. Use with attributes:
	//   attribute.String("intent_type", ...), attribute.String("reason", ...)
	IntentsRejected metric.Int64Counter

	// AlarmsFired counts sustained-condition alarms. Use with attribute:
	//   attribute.String("kind", ...)
	AlarmsFired metric.Int64Counter

	// --- Error counters ---

	// PersistenceErrors counts swallowed persistence failures. Use with attribute:
	//   attribute.String("operation", ...)
	PersistenceErrors metric.Int64Counter

	// VoiceAdapterErrors counts upstream voice/LLM provider errors. Use
	// with attribute: attribute.String("kind", ...)
	VoiceAdapterErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live simulation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of connected clients across
	// all sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// BudgetUSD tracks each session's accumulated cost-controller USD
	// estimate as it is reported. Use with attribute:
	//   attribute.String("session_id", ...)
	BudgetUSD metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second tick and order-completion latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TickDuration, err = m.Float64Histogram("simgateway.tick.duration",
		metric.WithDescription("Latency of one session heartbeat tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.OrderCompletionDuration, err = m.Float64Histogram("simgateway.order.completion.duration",
		metric.WithDescription("Latency from order creation to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VoiceAdapterLatency, err = m.Float64Histogram("simgateway.voice_adapter.latency",
		metric.WithDescription("Round-trip latency to the upstream realtime voice/LLM provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.OrdersCompleted, err = m.Int64Counter("simgateway.orders.completed",
		metric.WithDescription("Total orders completed, by order type."),
	); err != nil {
		return nil, err
	}
	if met.IntentsApproved, err = m.Int64Counter("simgateway.intents.approved",
		metric.WithDescription("Total Tool Gate approvals, by intent type."),
	); err != nil {
		return nil, err
	}
	if met.IntentsRejected, err = m.Int64Counter("simgateway.intents.rejected",
		metric.WithDescription("Total Tool Gate rejections, by intent type and reason."),
	); err != nil {
		return nil, err
	}
	if met.AlarmsFired, err = m.Int64Counter("simgateway.alarms.fired",
		metric.WithDescription("Total sustained-condition alarms fired, by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PersistenceErrors, err = m.Int64Counter("simgateway.persistence.errors",
		metric.WithDescription("Total swallowed persistence-adapter failures, by operation."),
	); err != nil {
		return nil, err
	}
	if met.VoiceAdapterErrors, err = m.Int64Counter("simgateway.voice_adapter.errors",
		metric.WithDescription("Total upstream voice/LLM provider errors, by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("simgateway.active_sessions",
		metric.WithDescription("Number of live simulation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("simgateway.active_participants",
		metric.WithDescription("Number of connected clients across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.BudgetUSD, err = m.Float64Histogram("simgateway.budget.usd_estimate",
		metric.WithDescription("Per-session cost-controller USD estimate as reported."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("simgateway.http.request.duration",
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

// RecordOrderCompleted is a convenience method that records an order
// completion counter increment and its completion-latency histogram.
func (m *Metrics) RecordOrderCompleted(ctx context.Context, orderType string, durationSeconds float64) {
	m.OrdersCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("order_type", orderType)))
	m.OrderCompletionDuration.Record(ctx, durationSeconds, metric.WithAttributes(attribute.String("order_type", orderType)))
}

// RecordIntentApproved is a convenience method that records a Tool Gate
// approval counter increment.
func (m *Metrics) RecordIntentApproved(ctx context.Context, intentType string) {
	m.IntentsApproved.Add(ctx, 1, metric.WithAttributes(attribute.String("intent_type", intentType)))
}

// RecordIntentRejected is a convenience method that records a Tool Gate
// rejection counter increment.
func (m *Metrics) RecordIntentRejected(ctx context.Context, intentType, reason string) {
	m.IntentsRejected.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("intent_type", intentType),
			attribute.String("reason", reason),
		),
	)
}

// RecordAlarmFired is a convenience method that records an alarm-fired
// counter increment.
func (m *Metrics) RecordAlarmFired(ctx context.Context, kind string) {
	m.AlarmsFired.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPersistenceError is a convenience method that records a swallowed
// persistence-adapter failure counter increment.
func (m *Metrics) RecordPersistenceError(ctx context.Context, operation string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordVoiceAdapterError is a convenience method that records an upstream
// voice/LLM provider error counter increment.
func (m *Metrics) RecordVoiceAdapterError(ctx context.Context, kind string) {
	m.VoiceAdapterErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
