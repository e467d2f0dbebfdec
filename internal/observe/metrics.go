// Package observe provides application-wide observability primitives for
// Stagecraft: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Stagecraft metrics.
const meterName = "github.com/MrWong99/stagecraft"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Signal intake ---

	// SignalsIngested counts accepted signals. Use with attribute:
	//   attribute.String("kind", ...)
	SignalsIngested metric.Int64Counter

	// SignalsRejected counts raw signals that failed normalisation.
	SignalsRejected metric.Int64Counter

	// QueueDepth is the number of buffered signals.
	QueueDepth metric.Int64Gauge

	// --- Episodes ---

	// EpisodesStarted counts episodes entering setup. Use with attribute:
	//   attribute.String("mode", ...)
	EpisodesStarted metric.Int64Counter

	// EpisodesResolved counts completed episodes. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("resolution", ...)
	EpisodesResolved metric.Int64Counter

	// EpisodesCancelled counts episodes dropped without completion.
	EpisodesCancelled metric.Int64Counter

	// EpisodeDuration tracks wall time from setup to completion.
	EpisodeDuration metric.Float64Histogram

	// ActiveEpisodes is 1 while an episode is staged, 0 otherwise.
	ActiveEpisodes metric.Int64UpDownCounter

	// --- Asset resolution ---

	// ResolveRequests counts resolver calls. Use with attribute:
	//   attribute.String("status", "hit"|"miss")
	ResolveRequests metric.Int64Counter

	// ResolveDuration tracks resolver latency including manifest fetches.
	ResolveDuration metric.Float64Histogram

	// FallbackLevel records the probe level of successful resolutions.
	FallbackLevel metric.Int64Histogram

	// ManifestCache counts manifest cache lookups. Use with attribute:
	//   attribute.String("result", "hit"|"miss"|"negative")
	ManifestCache metric.Int64Counter

	// BreakerTransitions counts asset source breaker state changes, labelled
	// by source and target state.
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled by
	// method, matched route and status class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// resolver latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// episodeBuckets defines histogram bucket boundaries (in seconds) for whole
// episode lifetimes.
var episodeBuckets = []float64{
	5, 10, 20, 30, 45, 60, 90, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Signal intake.
	if met.SignalsIngested, err = m.Int64Counter("stagecraft.signals.ingested",
		metric.WithDescription("Total signals accepted by the intake queue, by kind."),
	); err != nil {
		return nil, err
	}
	if met.SignalsRejected, err = m.Int64Counter("stagecraft.signals.rejected",
		metric.WithDescription("Total raw signals rejected during normalisation."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("stagecraft.queue.depth",
		metric.WithDescription("Number of signals waiting in the intake queue."),
	); err != nil {
		return nil, err
	}

	// Episodes.
	if met.EpisodesStarted, err = m.Int64Counter("stagecraft.episodes.started",
		metric.WithDescription("Total episodes started, by mechanics mode."),
	); err != nil {
		return nil, err
	}
	if met.EpisodesResolved, err = m.Int64Counter("stagecraft.episodes.resolved",
		metric.WithDescription("Total episodes completed, by mechanics mode and resolution mode."),
	); err != nil {
		return nil, err
	}
	if met.EpisodesCancelled, err = m.Int64Counter("stagecraft.episodes.cancelled",
		metric.WithDescription("Total episodes cancelled before completion."),
	); err != nil {
		return nil, err
	}
	if met.EpisodeDuration, err = m.Float64Histogram("stagecraft.episode.duration",
		metric.WithDescription("Wall time from episode setup to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(episodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveEpisodes, err = m.Int64UpDownCounter("stagecraft.active_episodes",
		metric.WithDescription("Number of currently staged episodes (0 or 1)."),
	); err != nil {
		return nil, err
	}

	// Asset resolution.
	if met.ResolveRequests, err = m.Int64Counter("stagecraft.resolver.requests",
		metric.WithDescription("Total asset resolutions by status."),
	); err != nil {
		return nil, err
	}
	if met.ResolveDuration, err = m.Float64Histogram("stagecraft.resolver.duration",
		metric.WithDescription("Latency of asset resolution including manifest loads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FallbackLevel, err = m.Int64Histogram("stagecraft.resolver.fallback_level",
		metric.WithDescription("Probe level of successful resolutions (0 = ideal match)."),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3),
	); err != nil {
		return nil, err
	}
	if met.ManifestCache, err = m.Int64Counter("stagecraft.resolver.manifest_cache",
		metric.WithDescription("Manifest cache lookups by result."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("stagecraft.assets.breaker.transitions",
		metric.WithDescription("Asset source circuit breaker state changes."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("stagecraft.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
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

// RecordSignal records an accepted signal of the given kind.
func (m *Metrics) RecordSignal(ctx context.Context, kind string) {
	m.SignalsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRejected records a signal rejected during normalisation.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	m.SignalsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordQueueDepth records the current queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, n int) {
	m.QueueDepth.Record(ctx, int64(n))
}

// RecordEpisodeStarted increments the started counter and the active gauge.
func (m *Metrics) RecordEpisodeStarted(ctx context.Context, mode string) {
	m.EpisodesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	m.ActiveEpisodes.Add(ctx, 1)
}

// RecordEpisodeResolved records a completed episode and its lifetime.
func (m *Metrics) RecordEpisodeResolved(ctx context.Context, mode, resolution string, seconds float64) {
	m.EpisodesResolved.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("resolution", resolution),
		),
	)
	m.EpisodeDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("mode", mode)))
	m.ActiveEpisodes.Add(ctx, -1)
}

// RecordEpisodeCancelled records a cancelled episode.
func (m *Metrics) RecordEpisodeCancelled(ctx context.Context, phase string) {
	m.EpisodesCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	m.ActiveEpisodes.Add(ctx, -1)
}

// RecordResolve records one resolver call.
func (m *Metrics) RecordResolve(ctx context.Context, success bool, level int, seconds float64) {
	status := "miss"
	if success {
		status = "hit"
		m.FallbackLevel.Record(ctx, int64(level))
	}
	m.ResolveRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ResolveDuration.Record(ctx, seconds)
}

// RecordManifestCache records a manifest cache lookup.
func (m *Metrics) RecordManifestCache(ctx context.Context, result string) {
	m.ManifestCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBreakerTransition records an asset source breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, source, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("state", state),
	))
}
