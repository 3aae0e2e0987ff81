// Package observe provides application-wide observability primitives for
// strata: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all strata metrics.
const meterName = "github.com/MrWong99/strata"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Prediction ---

	// Surprise records the surprise of every observed text.
	Surprise metric.Float64Histogram

	// ObserveDuration tracks the latency of ObserveText, embedding included.
	ObserveDuration metric.Float64Histogram

	// Bifurcations counts reservoir bifurcation alerts.
	Bifurcations metric.Int64Counter

	// --- Recall ---

	// Recalls counts recall queries. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	Recalls metric.Int64Counter

	// --- Sleep phase ---

	// SleepDuration tracks the duration of a full sleep cycle.
	SleepDuration metric.Float64Histogram

	// Evictions counts removed items by mechanism. Use with attribute:
	//   attribute.String("mechanism", "erosion"|"compression"|"gc"|"prune")
	Evictions metric.Int64Counter

	// --- Error counters ---

	// EmbedErrors counts failed embedding calls. Use with attribute:
	//   attribute.String("provider", ...)
	EmbedErrors metric.Int64Counter

	// PersistErrors counts failed snapshot or store writes. Use with attribute:
	//   attribute.String("component", ...)
	PersistErrors metric.Int64Counter

	// --- Gauges ---

	// FeedSubscribers tracks the number of connected event feed clients.
	FeedSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	rss metric.Int64ObservableGauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Observe is
// dominated by the embedding call, sleep cycles by compression.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// surpriseBuckets covers the range of the Euclidean distance between two
// points of the unit square.
var surpriseBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 1, 1.2, 1.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.Surprise, err = m.Float64Histogram("strata.reservoir.surprise",
		metric.WithDescription("Surprise of observed text."),
		metric.WithExplicitBucketBoundaries(surpriseBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ObserveDuration, err = m.Float64Histogram("strata.observe.duration",
		metric.WithDescription("Latency of observing a text, embedding included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SleepDuration, err = m.Float64Histogram("strata.sleep.duration",
		metric.WithDescription("Duration of a sleep-phase consolidation cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Bifurcations, err = m.Int64Counter("strata.reservoir.bifurcations",
		metric.WithDescription("Total reservoir bifurcation alerts."),
	); err != nil {
		return nil, err
	}
	if met.Recalls, err = m.Int64Counter("strata.recall.requests",
		metric.WithDescription("Total recall queries by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("strata.evictions",
		metric.WithDescription("Total items removed by erosion, compression, garbage collection and pruning."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EmbedErrors, err = m.Int64Counter("strata.embed.errors",
		metric.WithDescription("Total failed embedding calls by provider."),
	); err != nil {
		return nil, err
	}
	if met.PersistErrors, err = m.Int64Counter("strata.persist.errors",
		metric.WithDescription("Total failed persistence writes by component."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.FeedSubscribers, err = m.Int64UpDownCounter("strata.feed.subscribers",
		metric.WithDescription("Number of connected event feed clients."),
	); err != nil {
		return nil, err
	}
	if met.rss, err = m.Int64ObservableGauge("strata.process.rss",
		metric.WithDescription("Resident set size of the process."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if _, err = m.RegisterCallback(observeRSS(met.rss), met.rss); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("strata.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// observeRSS reports the resident set size of the current process. A process
// that cannot be inspected simply reports nothing.
func observeRSS(g metric.Int64ObservableGauge) metric.Callback {
	var (
		once sync.Once
		proc *process.Process
	)
	return func(ctx context.Context, o metric.Observer) error {
		once.Do(func() {
			proc, _ = process.NewProcess(int32(os.Getpid()))
		})
		if proc == nil {
			return nil
		}
		mem, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return nil
		}
		o.ObserveInt64(g, int64(mem.RSS))
		return nil
	}
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

// RecordRecall records a recall query of the given kind ("near", "similar",
// "related", "gradient") with outcome "hit", "empty" or "error".
func (m *Metrics) RecordRecall(ctx context.Context, kind, outcome string) {
	m.Recalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordEviction adds n removed items for mechanism. Zero is not recorded.
func (m *Metrics) RecordEviction(ctx context.Context, mechanism string, n int) {
	if n <= 0 {
		return
	}
	m.Evictions.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("mechanism", mechanism)),
	)
}

// RecordEmbedError records a failed embedding call.
func (m *Metrics) RecordEmbedError(ctx context.Context, provider string) {
	m.EmbedErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordPersistError records a failed write of component's state.
func (m *Metrics) RecordPersistError(ctx context.Context, component string) {
	m.PersistErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("component", component)),
	)
}
