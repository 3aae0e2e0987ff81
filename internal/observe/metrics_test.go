package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"strata.reservoir.surprise", m.Surprise},
		{"strata.observe.duration", m.ObserveDuration},
		{"strata.sleep.duration", m.SleepDuration},
		{"strata.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumByAttr returns the value of the data point of the named int64 sum whose
// attribute key equals value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestRecordRecall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRecall(ctx, "near", "hit")
	m.RecordRecall(ctx, "near", "hit")
	m.RecordRecall(ctx, "similar", "empty")

	rm := collect(t, reader)
	if got, ok := sumByAttr(t, rm, "strata.recall.requests", "outcome", "hit"); !ok || got != 2 {
		t.Errorf("hit count = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumByAttr(t, rm, "strata.recall.requests", "kind", "similar"); !ok || got != 1 {
		t.Errorf("similar count = %d (found %v), want 1", got, ok)
	}
}

func TestRecordEviction(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEviction(ctx, "erosion", 12)
	m.RecordEviction(ctx, "erosion", 3)
	m.RecordEviction(ctx, "prune", 0)
	m.RecordEviction(ctx, "gc", 4)

	rm := collect(t, reader)
	tests := []struct {
		mechanism string
		want      int64
		present   bool
	}{
		{"erosion", 15, true},
		{"gc", 4, true},
		{"prune", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.mechanism, func(t *testing.T) {
			got, ok := sumByAttr(t, rm, "strata.evictions", "mechanism", tt.mechanism)
			if ok != tt.present || got != tt.want {
				t.Errorf("got %d (present %v), want %d (present %v)", got, ok, tt.want, tt.present)
			}
		})
	}
}

func TestErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEmbedError(ctx, "nomic-embed-text")
	m.RecordPersistError(ctx, "sediment")
	m.RecordPersistError(ctx, "sediment")
	m.Bifurcations.Add(ctx, 1)

	rm := collect(t, reader)
	if got, _ := sumByAttr(t, rm, "strata.embed.errors", "provider", "nomic-embed-text"); got != 1 {
		t.Errorf("embed errors = %d, want 1", got)
	}
	if got, _ := sumByAttr(t, rm, "strata.persist.errors", "component", "sediment"); got != 2 {
		t.Errorf("persist errors = %d, want 2", got)
	}
	if findMetric(rm, "strata.reservoir.bifurcations") == nil {
		t.Error("bifurcation counter not exported")
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FeedSubscribers.Add(ctx, 3)
	m.FeedSubscribers.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "strata.feed.subscribers")
	if met == nil {
		t.Fatal("feed subscriber gauge not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("feed subscriber gauge has no data")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("subscribers = %d, want 2", got)
	}

	rss := findMetric(rm, "strata.process.rss")
	if rss == nil {
		t.Fatal("rss gauge not found")
	}
	g, ok := rss.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("rss is not an int64 gauge")
	}
	if len(g.DataPoints) == 1 && g.DataPoints[0].Value <= 0 {
		t.Errorf("rss = %d, want > 0", g.DataPoints[0].Value)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
