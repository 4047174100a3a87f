// Package observe provides observability primitives for teachme-live:
// OpenTelemetry metric instruments exported through a Prometheus bridge, and
// an in-memory ring buffer of recent turn latencies served as JSON.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all teachme-live
// metrics.
const meterName = "github.com/teachme-labs/teachme-live"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks time from turn start to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks the model phase of a turn, including tool calls and
	// structured repair.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis plus chunk streaming.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency.
	TurnDuration metric.Float64Histogram

	// ToolExecutionDuration tracks per-call tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolFailures counts tool invocations that returned an error.
	ToolFailures metric.Int64Counter

	// LowConfidenceTranscripts counts final transcripts answered with the
	// clarification prompt instead of the model.
	LowConfidenceTranscripts metric.Int64Counter

	// DroppedAudioFrames counts audio frames rejected by a full session queue.
	DroppedAudioFrames metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.STTDuration, err = m.Float64Histogram("teachme.stt.duration",
		metric.WithDescription("Latency from turn start to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("teachme.llm.duration",
		metric.WithDescription("Latency of the model phase of a turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("teachme.tts.duration",
		metric.WithDescription("Latency of speech synthesis and chunk streaming."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("teachme.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("teachme.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("teachme.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolFailures, err = m.Int64Counter("teachme.tool.failures",
		metric.WithDescription("Total tool invocations that returned an error."),
	); err != nil {
		return nil, err
	}
	if met.LowConfidenceTranscripts, err = m.Int64Counter("teachme.transcripts.low_confidence",
		metric.WithDescription("Total final transcripts below the confidence threshold."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudioFrames, err = m.Int64Counter("teachme.audio.frames_dropped",
		metric.WithDescription("Total audio frames dropped by saturated session queues."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("teachme.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
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
