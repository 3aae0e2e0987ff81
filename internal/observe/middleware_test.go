package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup creates both metrics and tracing infrastructure for middleware tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	// Metrics.
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Tracing.
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		pattern  string
		path     string
		status   int
		wantSpan string
	}{
		{"observe", "POST /v1/observe", "/v1/observe", http.StatusOK, "HTTP POST /v1/observe"},
		{"missing concept", "GET /v1/concepts/{name}", "/v1/concepts/fog", http.StatusNotFound, "HTTP GET /v1/concepts/fog"},
		{"bad request", "GET /v1/recall/near", "/v1/recall/near", http.StatusBadRequest, "HTTP GET /v1/recall/near"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reader, exp := testSetup(t)
			method, _, _ := strings.Cut(tt.pattern, " ")

			var cid string
			mux := http.NewServeMux()
			mux.HandleFunc(tt.pattern, func(w http.ResponseWriter, r *http.Request) {
				cid = CorrelationID(r.Context())
				w.WriteHeader(tt.status)
			})
			rec := httptest.NewRecorder()
			Middleware(m)(mux).ServeHTTP(rec, httptest.NewRequest(method, tt.path, nil))

			if rec.Code != tt.status {
				t.Errorf("response status = %d, want %d", rec.Code, tt.status)
			}
			if len(cid) != 32 {
				t.Errorf("correlation ID %q, want 32 hex characters", cid)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != cid {
				t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
			}

			spans := exp.GetSpans()
			if len(spans) != 1 || spans[0].Name != tt.wantSpan {
				t.Fatalf("spans = %v, want one %q", spans, tt.wantSpan)
			}
			found := false
			for _, a := range spans[0].Attributes {
				if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == int64(tt.status) {
					found = true
				}
			}
			if !found {
				t.Error("span missing http.response.status_code attribute")
			}

			var rm metricdata.ResourceMetrics
			if err := reader.Collect(context.Background(), &rm); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			met := findMetric(rm, "strata.http.request.duration")
			if met == nil {
				t.Fatal("metric not found")
			}
			hist := met.Data.(metricdata.Histogram[float64])
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			attrs := map[string]string{}
			for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
				attrs[string(kv.Key)] = kv.Value.AsString()
			}
			if attrs["method"] != method || attrs["path"] != tt.pattern {
				t.Errorf("attributes = %v, want method %s and path %q", attrs, method, tt.pattern)
			}
		})
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := testSetup(t)
	mw := Middleware(m)

	var capturedCID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// Send a request with a W3C traceparent header.
	req := httptest.NewRequest("GET", "/propagate", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The correlation ID should be the trace ID from the incoming header.
	if capturedCID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("correlation ID = %q, want %q", capturedCID, "4bf92f3577b34da6a3ce929d0e0e4736")
	}

	// The response should also contain this correlation ID.
	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, "4bf92f3577b34da6a3ce929d0e0e4736")
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m, reader, _ := testSetup(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/concepts/{name}/related", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(m)(mux)

	for _, name := range []string{"storm", "rain", "sun"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/concepts/"+name+"/related", nil))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "strata.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 per route", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Count != 3 {
		t.Errorf("count = %d, want 3", hist.DataPoints[0].Count)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner}
	if rec.Unwrap() != inner {
		t.Error("Unwrap did not return the wrapped writer")
	}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack on a recorder without hijack support succeeded")
	}
}
