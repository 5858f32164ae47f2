// Package observe provides application-wide observability primitives for
// playcoach: OpenTelemetry metrics, distributed tracing, context-aware
// structured logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter set up by [InitProvider]. [DefaultMetrics] is a
// package-level instance bound to the global meter provider; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all playcoach metrics.
const meterName = "github.com/MrWong99/playcoach"

// Pass outcome values recorded by [Metrics.RecordPass].
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Pipeline stages ---

	// PassDuration tracks transcription pass latency. Attributes: pass,
	// provider, outcome.
	PassDuration metric.Float64Histogram

	// PassOutcomes counts finished passes. Attributes: pass, outcome.
	PassOutcomes metric.Int64Counter

	// AnalysisDuration tracks the latency of a single analysis attempt.
	AnalysisDuration metric.Float64Histogram

	// AnalysisAttempts counts analysis attempts. Attribute: status.
	AnalysisAttempts metric.Int64Counter

	// SessionOutcomes counts sessions reaching a terminal status.
	// Attributes: status, reason.
	SessionOutcomes metric.Int64Counter

	// Utterances records the number of speech utterances per processed session.
	Utterances metric.Int64Histogram

	// SilenceSlots counts synthesized silent slots.
	SilenceSlots metric.Int64Counter

	// ActiveRuns tracks sessions currently being processed.
	ActiveRuns metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Attributes: provider,
	// kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// passBuckets covers batch transcription latencies from seconds to the
// default pass timeout.
var passBuckets = []float64{
	1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// latencyBuckets covers LLM and HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PassDuration, err = m.Float64Histogram("playcoach.pass.duration",
		metric.WithDescription("Latency of a transcription pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(passBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PassOutcomes, err = m.Int64Counter("playcoach.pass.outcomes",
		metric.WithDescription("Finished transcription passes by pass and outcome."),
	); err != nil {
		return nil, err
	}
	if met.AnalysisDuration, err = m.Float64Histogram("playcoach.analysis.duration",
		metric.WithDescription("Latency of one analysis attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalysisAttempts, err = m.Int64Counter("playcoach.analysis.attempts",
		metric.WithDescription("Analysis attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.SessionOutcomes, err = m.Int64Counter("playcoach.session.outcomes",
		metric.WithDescription("Sessions reaching a terminal status by status and reason."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Histogram("playcoach.session.utterances",
		metric.WithDescription("Speech utterances per processed session."),
		metric.WithExplicitBucketBoundaries(0, 10, 25, 50, 100, 250, 500, 1000),
	); err != nil {
		return nil, err
	}
	if met.SilenceSlots, err = m.Int64Counter("playcoach.silence_slots",
		metric.WithDescription("Synthesized silent slots."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("playcoach.active_runs",
		metric.WithDescription("Sessions currently being processed."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("playcoach.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("playcoach.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("playcoach.circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker name and target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("playcoach.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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
// fails.
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

// RecordPass records the latency and outcome of one transcription pass.
func (m *Metrics) RecordPass(ctx context.Context, pass, provider, outcome string, d time.Duration) {
	m.PassDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("pass", pass),
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
	m.PassOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pass", pass),
		attribute.String("outcome", outcome),
	))
}

// RecordAnalysisAttempt records one analysis attempt.
func (m *Metrics) RecordAnalysisAttempt(ctx context.Context, status string, d time.Duration) {
	m.AnalysisDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	m.AnalysisAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionOutcome records a session reaching a terminal status.
func (m *Metrics) RecordSessionOutcome(ctx context.Context, status, reason string) {
	m.SessionOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

// RecordTranscript records the shape of a reconciled transcript.
func (m *Metrics) RecordTranscript(ctx context.Context, speech, silences int) {
	m.Utterances.Record(ctx, int64(speech))
	m.SilenceSlots.Add(ctx, int64(silences))
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
