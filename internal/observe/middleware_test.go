package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareHarness wires a manual metric reader and an in-memory span
// exporter so tests can inspect what a single request produced.
func middlewareHarness(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func durationAttrs(t *testing.T, reader *sdkmetric.ManualReader) map[string]string {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "patientsim.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("request duration metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("histogram data points = %d, want 1", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Count != 1 {
		t.Fatalf("sample count = %d, want 1", hist.DataPoints[0].Count)
	}

	attrs := make(map[string]string)
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	return attrs
}

func TestMiddlewareSetsCorrelationID(t *testing.T) {
	m, _, _ := middlewareHarness(t)
	mw := Middleware(m)

	var capturedCID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/encounters", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if capturedCID == "" {
		t.Error("middleware did not set correlation ID in context")
	}
	if len(capturedCID) != 32 {
		t.Errorf("generated correlation ID length = %d, want 32", len(capturedCID))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != capturedCID {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, capturedCID)
	}
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	m, reader, exp := middlewareHarness(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/encounters/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(m)(mux)

	req := httptest.NewRequest("GET", "/api/encounters/enc-7781", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The metric label and span name use the pattern, not the raw path, so
	// every encounter id lands in the same series.
	attrs := durationAttrs(t, reader)
	if attrs["path"] != "/api/encounters/{id}" {
		t.Errorf("path attribute = %q, want %q", attrs["path"], "/api/encounters/{id}")
	}
	if attrs["method"] != "GET" {
		t.Errorf("method attribute = %q, want GET", attrs["method"])
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /api/encounters/{id}" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /api/encounters/{id}")
	}
}

func TestMiddlewareFallsBackToRawPath(t *testing.T) {
	m, reader, exp := middlewareHarness(t)
	mw := Middleware(m)

	// Handler not mounted through a mux: no pattern on the request.
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/relay", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	attrs := durationAttrs(t, reader)
	if attrs["path"] != "/api/relay" {
		t.Errorf("path attribute = %q, want /api/relay", attrs["path"])
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans recorded = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP POST /api/relay" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP POST /api/relay")
	}
}

func TestMiddlewareCapturesStatusCode(t *testing.T) {
	m, _, exp := middlewareHarness(t)
	mw := Middleware(m)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/encounters/missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}

func TestMiddlewarePropagatesW3CTraceContext(t *testing.T) {
	m, _, _ := middlewareHarness(t)
	mw := Middleware(m)

	var capturedCID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedCID = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/encounters", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if capturedCID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("correlation ID = %q, want %q", capturedCID, "4bf92f3577b34da6a3ce929d0e0e4736")
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("response X-Correlation-ID = %q, want %q", got, "4bf92f3577b34da6a3ce929d0e0e4736")
	}
}
