// Package observe provides application-wide observability primitives for
// voxview: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxview metrics.
const meterName = "github.com/MrWong99/voxview"

// Capture chunk results.
const (
	ChunkSent            = "sent"
	ChunkDroppedMuted    = "dropped_muted"
	ChunkDroppedInactive = "dropped_inactive"
	ChunkDroppedFull     = "dropped_queue_full"
)

// Playback fragment results.
const (
	FragmentScheduled = "scheduled"
	FragmentDropped   = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// Sessions counts sessions that reached a terminal state. Use with
	// attribute:
	//   attribute.String("outcome", "finished"|"error")
	Sessions metric.Int64Counter

	// ActiveSessions tracks the number of sessions that are connecting or
	// connected.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks how long the transport handshake took.
	ConnectDuration metric.Float64Histogram

	// TeardownWarnings counts failed teardown steps. Use with attribute:
	//   attribute.String("step", ...)
	TeardownWarnings metric.Int64Counter

	// --- Audio path ---

	// CaptureChunks counts capture frames by outcome. Use with attribute:
	//   attribute.String("result", ChunkSent|ChunkDropped...)
	CaptureChunks metric.Int64Counter

	// SendFailures counts outbound chunks or text turns that failed to
	// deliver. Use with attribute:
	//   attribute.String("kind", "audio"|"text")
	SendFailures metric.Int64Counter

	// PlaybackFragments counts inbound fragments by outcome. Use with
	// attribute:
	//   attribute.String("result", FragmentScheduled|FragmentDropped)
	PlaybackFragments metric.Int64Counter

	// PlaybackBufferDelay tracks the delay between a fragment's arrival and
	// its scheduled start.
	PlaybackBufferDelay metric.Float64Histogram

	// --- Report ---

	// ReportDuration tracks report generation latency.
	ReportDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for network and model latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// bufferBuckets covers playback queueing delay, from immediate start up to
// several fragments of backlog.
var bufferBuckets = []float64{
	0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Session lifecycle.
	if met.Sessions, err = m.Int64Counter("voxview.sessions",
		metric.WithDescription("Total sessions that ended, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxview.active_sessions",
		metric.WithDescription("Number of sessions currently connecting or connected."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("voxview.connect.duration",
		metric.WithDescription("Latency of opening the transport session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TeardownWarnings, err = m.Int64Counter("voxview.teardown.warnings",
		metric.WithDescription("Total teardown steps that failed, by step."),
	); err != nil {
		return nil, err
	}

	// Audio path.
	if met.CaptureChunks, err = m.Int64Counter("voxview.capture.chunks",
		metric.WithDescription("Total capture frames by result."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("voxview.send.failures",
		metric.WithDescription("Total outbound deliveries that failed, by kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFragments, err = m.Int64Counter("voxview.playback.fragments",
		metric.WithDescription("Total inbound audio fragments by result."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBufferDelay, err = m.Float64Histogram("voxview.playback.buffer_delay",
		metric.WithDescription("Delay between fragment arrival and scheduled playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bufferBuckets...),
	); err != nil {
		return nil, err
	}

	// Report.
	if met.ReportDuration, err = m.Float64Histogram("voxview.report.duration",
		metric.WithDescription("Latency of report generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxview.http.request.duration",
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

// RecordSession records a session reaching a terminal state.
func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCaptureChunk records one capture frame outcome.
func (m *Metrics) RecordCaptureChunk(ctx context.Context, result string) {
	m.CaptureChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSendFailure records a failed outbound delivery of the given kind.
func (m *Metrics) RecordSendFailure(ctx context.Context, kind string) {
	m.SendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPlaybackFragment records one inbound fragment outcome. For scheduled
// fragments delay is the time until playback starts.
func (m *Metrics) RecordPlaybackFragment(ctx context.Context, result string, delay time.Duration) {
	m.PlaybackFragments.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if result == FragmentScheduled {
		m.PlaybackBufferDelay.Record(ctx, delay.Seconds())
	}
}

// RecordTeardownWarning records a failed teardown step.
func (m *Metrics) RecordTeardownWarning(ctx context.Context, step string) {
	m.TeardownWarnings.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}
