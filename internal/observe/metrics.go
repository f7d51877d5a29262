// Package observe provides application-wide observability primitives for
// phonoscore: OpenTelemetry metrics with a Prometheus exporter bridge and an
// optional /metrics endpoint for batch runs.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package
// default instance ([Default]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all phonoscore
// metrics.
const meterName = "github.com/spokenlab/phonoscore"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks per-pipeline-stage latency in seconds. Use with
	// attributes: attribute.String("stage", ...), attribute.String("status", "ok"|"error"|"skipped")
	StageDuration metric.Float64Histogram

	// RequestDuration tracks end-to-end scoring request latency in seconds.
	RequestDuration metric.Float64Histogram

	// GraphCacheLookups counts decoding-graph cache lookups. Use with
	// attribute: attribute.String("result", "hit"|"miss")
	GraphCacheLookups metric.Int64Counter

	// BundleBuilds counts language-bundle materializations. Use with
	// attribute: attribute.String("source", ...) naming the resolution tier.
	BundleBuilds metric.Int64Counter

	// ScoringStrategy counts scored utterances per strategy. Use with
	// attribute: attribute.String("strategy", "statistical"|"regression")
	ScoringStrategy metric.Int64Counter

	// ScoringFallbacks counts requests where regression scoring was
	// configured but the statistical fallback produced the score.
	ScoringFallbacks metric.Int64Counter

	// VocabularyMisses counts transcript words absent from the active
	// vocabulary.
	VocabularyMisses metric.Int64Counter
}

// stageBuckets defines histogram boundaries (in seconds) sized for
// engine-call latencies: feature extraction and alignment run for seconds,
// graph compilation for minutes.
var stageBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates all metric instruments against the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.StageDuration, err = meter.Float64Histogram(
		"phonoscore.stage.duration",
		metric.WithDescription("Pipeline stage latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(
		"phonoscore.request.duration",
		metric.WithDescription("End-to-end scoring request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if m.GraphCacheLookups, err = meter.Int64Counter(
		"phonoscore.graphcache.lookups",
		metric.WithDescription("Decoding-graph cache lookups by result"),
	); err != nil {
		return nil, err
	}
	if m.BundleBuilds, err = meter.Int64Counter(
		"phonoscore.langres.builds",
		metric.WithDescription("Language bundle materializations by source tier"),
	); err != nil {
		return nil, err
	}
	if m.ScoringStrategy, err = meter.Int64Counter(
		"phonoscore.scoring.utterances",
		metric.WithDescription("Scored utterances by strategy"),
	); err != nil {
		return nil, err
	}
	if m.ScoringFallbacks, err = meter.Int64Counter(
		"phonoscore.scoring.fallbacks",
		metric.WithDescription("Requests where regression scoring fell back to statistical"),
	); err != nil {
		return nil, err
	}
	if m.VocabularyMisses, err = meter.Int64Counter(
		"phonoscore.vocabulary.misses",
		metric.WithDescription("Transcript words missing from the active vocabulary"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide [Metrics] instance built against the
// global meter provider. Initialise the provider (see [InitProvider]) before
// the first call; instruments created earlier bind to the no-op provider.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names, which is a
			// programming error.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
