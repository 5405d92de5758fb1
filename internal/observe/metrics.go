// Package observe provides application-wide observability primitives for
// voxclone: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxclone metrics.
const meterName = "github.com/MrWong99/voxclone"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks end-to-end synthesis invocation latency.
	SynthesisDuration metric.Float64Histogram

	// ModelLoadDuration tracks checkpoint load latency.
	ModelLoadDuration metric.Float64Histogram

	// --- Counters ---

	// RecordingSteps counts step submissions. Use with attribute:
	//   attribute.String("status", ...)
	RecordingSteps metric.Int64Counter

	// RecordingSessions counts started and finished sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	RecordingSessions metric.Int64Counter

	// SynthesisAttempts counts individual invocation strategies. Use with attributes:
	//   attribute.String("strategy", ...), attribute.String("status", ...)
	SynthesisAttempts metric.Int64Counter

	// SpeakerResolutions counts speaker resolution outcomes. Use with attributes:
	//   attribute.String("source", ...), attribute.String("status", ...)
	SpeakerResolutions metric.Int64Counter

	// ModelLoadAttempts counts checkpoint load attempts. Use with attribute:
	//   attribute.String("status", ...)
	ModelLoadAttempts metric.Int64Counter

	// RateLimitDenied counts rejected requests. Use with attribute:
	//   attribute.String("class", ...)
	RateLimitDenied metric.Int64Counter

	// CleanupFiles counts files removed by the cleanup job.
	CleanupFiles metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// synthesis and model loading, which range from sub-second to minutes.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("voxclone.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis including strategy fallbacks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadDuration, err = m.Float64Histogram("voxclone.model.load.duration",
		metric.WithDescription("Latency of synthesis model checkpoint loading."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RecordingSteps, err = m.Int64Counter("voxclone.recording.steps",
		metric.WithDescription("Total recording step submissions by status."),
	); err != nil {
		return nil, err
	}
	if met.RecordingSessions, err = m.Int64Counter("voxclone.recording.sessions",
		metric.WithDescription("Total recording sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisAttempts, err = m.Int64Counter("voxclone.synthesis.attempts",
		metric.WithDescription("Total synthesis invocation attempts by strategy and status."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerResolutions, err = m.Int64Counter("voxclone.speaker.resolutions",
		metric.WithDescription("Total speaker identity resolutions by source and status."),
	); err != nil {
		return nil, err
	}
	if met.ModelLoadAttempts, err = m.Int64Counter("voxclone.model.load.attempts",
		metric.WithDescription("Total checkpoint load attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitDenied, err = m.Int64Counter("voxclone.ratelimit.denied",
		metric.WithDescription("Total requests rejected by the rate limiter by endpoint class."),
	); err != nil {
		return nil, err
	}
	if met.CleanupFiles, err = m.Int64Counter("voxclone.cleanup.files",
		metric.WithDescription("Total files removed by periodic cleanup."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxclone.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordRecordingStep records a step submission with the given status
// ("accepted", "rejected", "invalid_step", "error").
func (m *Metrics) RecordRecordingStep(ctx context.Context, status string) {
	m.RecordingSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSession records a session lifecycle event ("started", "ready",
// "failed", "deleted").
func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	m.RecordingSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSynthesisAttempt records one invocation strategy outcome.
func (m *Metrics) RecordSynthesisAttempt(ctx context.Context, strategy, status string) {
	m.SynthesisAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("status", status),
		),
	)
}

// RecordSpeakerResolution records where a speaker identity came from
// ("cache", "engine", "speaker_manager", "none") and whether it succeeded.
func (m *Metrics) RecordSpeakerResolution(ctx context.Context, source, status string) {
	m.SpeakerResolutions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordModelLoadAttempt records one checkpoint load attempt.
func (m *Metrics) RecordModelLoadAttempt(ctx context.Context, status string) {
	m.ModelLoadAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRateLimitDenied records a rejected request for the endpoint class.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, class string) {
	m.RateLimitDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}
