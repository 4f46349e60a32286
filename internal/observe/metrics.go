// Package observe provides application-wide observability primitives for
// pinyinvox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all pinyinvox metrics.
const meterName = "github.com/pinyinvox/pinyinvox"

// Session outcomes used as the "status" attribute of [Metrics.Sessions].
const (
	StatusCompleted = "completed"
	StatusEmpty     = "empty"
	StatusErrored   = "errored"
	StatusCancelled = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks playback sessions from request to drain.
	SessionDuration metric.Float64Histogram

	// TimeToFirstAudio tracks the delay between sending the text and
	// receiving the first audio payload.
	TimeToFirstAudio metric.Float64Histogram

	// ToneLookupDuration tracks tone lookup round trips.
	ToneLookupDuration metric.Float64Histogram

	// --- Counters ---

	// Sessions counts finished playback sessions. Use with attribute:
	//   attribute.String("status", ...)
	Sessions metric.Int64Counter

	// AudioFrames counts audio payloads received from the synthesis stream.
	AudioFrames metric.Int64Counter

	// AudioBytes counts PCM bytes received from the synthesis stream.
	AudioBytes metric.Int64Counter

	// ProviderRequests counts backend calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CommandCalls counts command invocations. Use with attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	CommandCalls metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts backend errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions currently playing (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// QueuedSessions tracks play requests waiting for the output.
	QueuedSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips and short utterances.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers whole sessions, which include playback time.
var sessionBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("pinyinvox.session.duration",
		metric.WithDescription("Duration of playback sessions from request to drain."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("pinyinvox.synthesis.time_to_first_audio",
		metric.WithDescription("Delay between sending text and receiving the first audio payload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToneLookupDuration, err = m.Float64Histogram("pinyinvox.tone.duration",
		metric.WithDescription("Latency of tone lookup requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("pinyinvox.sessions",
		metric.WithDescription("Total playback sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("pinyinvox.synthesis.frames",
		metric.WithDescription("Total audio payloads received from the synthesis stream."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("pinyinvox.synthesis.bytes",
		metric.WithDescription("Total PCM bytes received from the synthesis stream."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("pinyinvox.provider.requests",
		metric.WithDescription("Total backend requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CommandCalls, err = m.Int64Counter("pinyinvox.command.calls",
		metric.WithDescription("Total command invocations by command and status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("pinyinvox.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and new state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("pinyinvox.provider.errors",
		metric.WithDescription("Total backend errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("pinyinvox.active_sessions",
		metric.WithDescription("Number of sessions currently playing."),
	); err != nil {
		return nil, err
	}
	if met.QueuedSessions, err = m.Int64UpDownCounter("pinyinvox.queued_sessions",
		metric.WithDescription("Number of play requests waiting for the audio output."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pinyinvox.http.request.duration",
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

// RecordSession records one finished session with its outcome and duration.
func (m *Metrics) RecordSession(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Sessions.Add(ctx, 1, attrs)
	m.SessionDuration.Record(ctx, seconds, attrs)
}

// RecordAudioFrame records one received audio payload of n bytes.
func (m *Metrics) RecordAudioFrame(ctx context.Context, n int) {
	m.AudioFrames.Add(ctx, 1)
	m.AudioBytes.Add(ctx, int64(n))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordCommand is a convenience method that records a command invocation.
func (m *Metrics) RecordCommand(ctx context.Context, command, status string) {
	m.CommandCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a circuit breaker moving into state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}
