// Package observe provides the OpenTelemetry metrics for the voice
// orchestrator, a Prometheus exporter bridge via [InitProvider], and the
// HTTP middleware that records request latency.
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

// meterName is the instrumentation scope for all orchestrator metrics.
const meterName = "github.com/voiceloop-ai/voiceloop"

// Metrics holds all metric instruments. All fields are safe for concurrent
// use — the underlying OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VADDuration tracks voice-activity-detection latency per 200 ms batch.
	VADDuration metric.Float64Histogram

	// TurnDuration tracks smart-turn end-of-turn classification latency.
	TurnDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks full text-to-speech stream duration per sentence.
	TTSDuration metric.Float64Histogram

	// LLMResponseDuration tracks time from user message to response done.
	LLMResponseDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts accepted calls.
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Use with attribute:
	//   attribute.String("reason", ...)
	CallsEnded metric.Int64Counter

	// Interrupts counts barge-in interrupt actions.
	Interrupts metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ProviderErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
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
		{&met.VADDuration, "voiceloop.vad.duration", "Latency of voice activity detection per batch."},
		{&met.TurnDuration, "voiceloop.turn.duration", "Latency of end-of-turn classification."},
		{&met.STTDuration, "voiceloop.stt.duration", "Latency of speech-to-text transcription."},
		{&met.TTSDuration, "voiceloop.tts.duration", "Duration of text-to-speech streaming per sentence."},
		{&met.LLMResponseDuration, "voiceloop.llm.response.duration", "Time from user message to completed LLM response."},
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

	if met.CallsStarted, err = m.Int64Counter("voiceloop.calls.started",
		metric.WithDescription("Total accepted calls."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voiceloop.calls.ended",
		metric.WithDescription("Total finished calls by end reason."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voiceloop.interrupts",
		metric.WithDescription("Total barge-in interrupt actions."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voiceloop.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voiceloop.provider.errors",
		metric.WithDescription("Total upstream provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("voiceloop.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceloop.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider].
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

// RecordStage records one pipeline-stage latency sample.
func (m *Metrics) RecordStage(ctx context.Context, h metric.Float64Histogram, seconds float64) {
	h.Record(ctx, seconds)
}

// RecordToolCall records a tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records an upstream failure with the standard
// attribute set.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCallEnded records a finished call with its end reason.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
