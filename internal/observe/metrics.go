// Package observe provides application-wide observability primitives for
// Lumora: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Lumora metrics.
const meterName = "github.com/lumora-ai/lumora"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ChatTurnDuration tracks end-to-end chat turn latency (receive to
	// first byte of the reply).
	ChatTurnDuration metric.Float64Histogram

	// RetrievalDuration tracks the retrieval pipeline latency.
	RetrievalDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// EmbedDuration tracks embedding call latency.
	EmbedDuration metric.Float64Histogram

	// STTDuration tracks utterance transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks time to first synthesised audio byte.
	TTSDuration metric.Float64Histogram

	// TaskDuration tracks background task execution time. Use with
	// attribute.String("task_type", ...).
	TaskDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ChatTurns counts chat turns by route and modality. Use with:
	//   attribute.String("route", ...), attribute.String("modality", ...)
	ChatTurns metric.Int64Counter

	// DegradedResponses counts turns answered in a degraded mode. Use with:
	//   attribute.String("component", ...)
	DegradedResponses metric.Int64Counter

	// TasksProcessed counts finished background tasks. Use with:
	//   attribute.String("task_type", ...), attribute.String("status", ...)
	TasksProcessed metric.Int64Counter

	// BargeIns counts user interruptions of in-flight voice playback.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveVoiceStreams tracks the number of open voice connections.
	ActiveVoiceStreams metric.Int64UpDownCounter

	// RunningTasks tracks the number of tasks currently leased by workers.
	RunningTasks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// the interactive chat deadlines up to long ingest stages.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 3, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChatTurnDuration, err = m.Float64Histogram("lumora.chat.turn.duration",
		metric.WithDescription("End-to-end chat turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("lumora.retrieval.duration",
		metric.WithDescription("Latency of the retrieval pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("lumora.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("lumora.embed.duration",
		metric.WithDescription("Latency of embedding calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("lumora.stt.duration",
		metric.WithDescription("Latency of utterance transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("lumora.tts.duration",
		metric.WithDescription("Time to first synthesised audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TaskDuration, err = m.Float64Histogram("lumora.task.duration",
		metric.WithDescription("Background task execution time by task type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("lumora.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ChatTurns, err = m.Int64Counter("lumora.chat.turns",
		metric.WithDescription("Total chat turns by route and modality."),
	); err != nil {
		return nil, err
	}
	if met.DegradedResponses, err = m.Int64Counter("lumora.chat.degraded",
		metric.WithDescription("Total turns answered with a degraded component."),
	); err != nil {
		return nil, err
	}
	if met.TasksProcessed, err = m.Int64Counter("lumora.tasks.processed",
		metric.WithDescription("Total finished background tasks by type and status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("lumora.voice.barge_ins",
		metric.WithDescription("Total user interruptions of in-flight playback."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("lumora.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lumora.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveVoiceStreams, err = m.Int64UpDownCounter("lumora.active_voice_streams",
		metric.WithDescription("Number of open voice connections."),
	); err != nil {
		return nil, err
	}
	if met.RunningTasks, err = m.Int64UpDownCounter("lumora.running_tasks",
		metric.WithDescription("Number of tasks currently leased by workers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lumora.http.request.duration",
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

// RecordChatTurn records a chat turn counter increment.
func (m *Metrics) RecordChatTurn(ctx context.Context, route, modality string) {
	m.ChatTurns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("modality", modality),
		),
	)
}

// RecordDegraded records a degraded-mode response for the named component.
func (m *Metrics) RecordDegraded(ctx context.Context, component string) {
	m.DegradedResponses.Add(ctx, 1,
		metric.WithAttributes(attribute.String("component", component)),
	)
}

// RecordTask records a finished background task.
func (m *Metrics) RecordTask(ctx context.Context, taskType, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("task_type", taskType),
		attribute.String("status", status),
	)
	m.TasksProcessed.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("task_type", taskType),
	))
}
