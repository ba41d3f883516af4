// Package observe provides observability primitives for Sussurro:
// OpenTelemetry metrics with a Prometheus exporter bridge and the SDK
// provider wiring.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Sussurro metrics.
const meterName = "github.com/voxlab/sussurro"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// RecognitionDuration tracks per-chunk recognition latency, from chunk
	// submission to worker acknowledgement. Use with attribute:
	//   attribute.String("language", ...)
	RecognitionDuration metric.Float64Histogram

	// ChunksSubmitted counts audio chunks fed into workers. Use with
	// attributes:
	//   attribute.String("language", ...), attribute.String("status", ...)
	ChunksSubmitted metric.Int64Counter

	// Utterances counts completed utterances by language and context.
	Utterances metric.Int64Counter

	// WorkerRestarts counts worker process restarts by language.
	WorkerRestarts metric.Int64Counter

	// CaptureTimeouts counts single captures that expired without a result.
	CaptureTimeouts metric.Int64Counter

	// BroadcastErrors counts failed result deliveries to clients.
	BroadcastErrors metric.Int64Counter

	// ActiveClients tracks the number of connected WebSocket clients.
	ActiveClients metric.Int64UpDownCounter

	// ActiveListeners tracks the number of active listening loops.
	ActiveListeners metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-chunk recognition latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RecognitionDuration, err = m.Float64Histogram("sussurro.recognition.duration",
		metric.WithDescription("Per-chunk recognition latency by language."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChunksSubmitted, err = m.Int64Counter("sussurro.chunks.submitted",
		metric.WithDescription("Audio chunks submitted to workers by language and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("sussurro.utterances",
		metric.WithDescription("Completed utterances by language and context."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("sussurro.worker.restarts",
		metric.WithDescription("Worker process restarts by language."),
	); err != nil {
		return nil, err
	}
	if met.CaptureTimeouts, err = m.Int64Counter("sussurro.capture.timeouts",
		metric.WithDescription("Single captures that expired without a result."),
	); err != nil {
		return nil, err
	}
	if met.BroadcastErrors, err = m.Int64Counter("sussurro.broadcast.errors",
		metric.WithDescription("Failed result deliveries to clients."),
	); err != nil {
		return nil, err
	}

	if met.ActiveClients, err = m.Int64UpDownCounter("sussurro.active_clients",
		metric.WithDescription("Number of connected WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("sussurro.active_listeners",
		metric.WithDescription("Number of active listening loops."),
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

// RecordChunk records one submitted chunk and its recognition latency.
func (m *Metrics) RecordChunk(ctx context.Context, language, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("status", status),
	)
	m.ChunksSubmitted.Add(ctx, 1, attrs)
	m.RecognitionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("language", language)))
}

// RecordUtterance records one completed utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, language, inputContext string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("context", inputContext),
		),
	)
}

// RecordWorkerRestart records one worker process restart.
func (m *Metrics) RecordWorkerRestart(ctx context.Context, language string) {
	m.WorkerRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}
