// Package observe provides application-wide observability primitives for
// VoxExam: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all VoxExam metrics.
const meterName = "github.com/voxexam/voxexam"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CaptureDuration tracks the length of one push-to-talk capture, from
	// press to submitted transcript.
	CaptureDuration metric.Float64Histogram

	// ExaminerDuration tracks examiner model inference latency per turn.
	ExaminerDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency per sentence.
	SynthesisDuration metric.Float64Histogram

	// FinalizeLatency tracks the time from the first streamed token of an
	// examiner turn to its finalized text.
	FinalizeLatency metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ExaminerTurns counts finalized examiner turns. Use with attribute:
	//   attribute.String("exam_id", ...)
	ExaminerTurns metric.Int64Counter

	// CandidateSubmissions counts candidate answers released to the examiner.
	CandidateSubmissions metric.Int64Counter

	// MediaRecoveries counts hidden media-recovery instructions, one per
	// subsection at most.
	MediaRecoveries metric.Int64Counter

	// EmptyResponseNudges counts hidden nudges sent after examiner turns with
	// no speakable text.
	EmptyResponseNudges metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live exam sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCaptures tracks the number of open speech capture sessions.
	ActiveCaptures metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
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
	if met.CaptureDuration, err = m.Float64Histogram("voxexam.capture.duration",
		metric.WithDescription("Length of one push-to-talk capture, press to transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExaminerDuration, err = m.Float64Histogram("voxexam.examiner.duration",
		metric.WithDescription("Latency of examiner model inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("voxexam.synthesis.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FinalizeLatency, err = m.Float64Histogram("voxexam.finalize.latency",
		metric.WithDescription("Time from first streamed token to finalized examiner text."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxexam.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ExaminerTurns, err = m.Int64Counter("voxexam.examiner.turns",
		metric.WithDescription("Total finalized examiner turns by exam ID."),
	); err != nil {
		return nil, err
	}
	if met.CandidateSubmissions, err = m.Int64Counter("voxexam.candidate.submissions",
		metric.WithDescription("Total candidate answers released to the examiner."),
	); err != nil {
		return nil, err
	}
	if met.MediaRecoveries, err = m.Int64Counter("voxexam.media.recoveries",
		metric.WithDescription("Total hidden media-recovery instructions sent."),
	); err != nil {
		return nil, err
	}
	if met.EmptyResponseNudges, err = m.Int64Counter("voxexam.examiner.empty_nudges",
		metric.WithDescription("Total hidden nudges after examiner turns with no spoken text."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxexam.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxexam.active_sessions",
		metric.WithDescription("Number of live exam sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("voxexam.active_captures",
		metric.WithDescription("Number of open speech capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxexam.http.request.duration",
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

// RecordExaminerTurn is a convenience method that records a finalized
// examiner turn.
func (m *Metrics) RecordExaminerTurn(ctx context.Context, examID string) {
	m.ExaminerTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("exam_id", examID)),
	)
}

// RecordMediaRecovery is a convenience method that records one hidden
// media-recovery instruction.
func (m *Metrics) RecordMediaRecovery(ctx context.Context, locationKey string) {
	m.MediaRecoveries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("location", locationKey)),
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
