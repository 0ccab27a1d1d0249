package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// adminSetup wires metrics, an in-memory span exporter and a captured log
// into the package globals for the duration of the test.
func adminSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter, *bytes.Buffer) {
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

	var buf bytes.Buffer
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(origLog) })

	return m, reader, exp, &buf
}

func serve(h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	})
}

// durationAttrs collects the attribute sets of every recorded request.
func durationAttrs(t *testing.T, reader *sdkmetric.ManualReader) []map[string]string {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voxlane.http.request.duration")
	if met == nil {
		t.Fatal("voxlane.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	var out []map[string]string
	for _, dp := range hist.DataPoints {
		attrs := make(map[string]string)
		for _, kv := range dp.Attributes.ToSlice() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		out = append(out, attrs)
	}
	return out
}

// ── Health checks ──────────────────────────────────────────────────────────

func TestMiddleware_HealthChecksAreTimedNotTraced(t *testing.T) {
	m, reader, exp, logs := adminSetup(t)
	h := Middleware(m)(statusHandler(http.StatusOK))

	for _, path := range []string{"/healthz", "/readyz", "/statusz", "/metrics"} {
		rec := serve(h, path, nil)
		if rec.Header().Get("X-Correlation-ID") != "" {
			t.Errorf("%s: health check got a correlation ID", path)
		}
	}

	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("health checks produced %d spans, want 0", n)
	}
	if logs.Len() != 0 {
		t.Errorf("health checks logged at info: %s", logs.String())
	}
	if got := durationAttrs(t, reader); len(got) != 4 {
		t.Errorf("recorded %d routes, want 4: %v", len(got), got)
	}
}

func TestMiddleware_FailingHealthCheckWarns(t *testing.T) {
	m, _, exp, logs := adminSetup(t)
	h := Middleware(m)(statusHandler(http.StatusServiceUnavailable))

	serve(h, "/readyz", nil)

	if !bytes.Contains(logs.Bytes(), []byte("level=WARN")) || !bytes.Contains(logs.Bytes(), []byte("status=503")) {
		t.Errorf("failing readiness not logged as warning: %s", logs.String())
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("health check produced %d spans", n)
	}
}

// ── Other requests ──────────────────────────────────────────────────────────

func TestMiddleware_UnknownPathsShareOneRoute(t *testing.T) {
	m, reader, exp, _ := adminSetup(t)
	h := Middleware(m)(statusHandler(http.StatusNotFound))

	serve(h, "/wp-login.php", nil)
	serve(h, "/.env", nil)

	got := durationAttrs(t, reader)
	if len(got) != 1 {
		t.Fatalf("recorded %d attribute sets, want 1: %v", len(got), got)
	}
	if got[0]["route"] != RouteOther || got[0]["status"] != "404" || got[0]["method"] != "GET" {
		t.Errorf("attributes = %v", got[0])
	}

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "admin other" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "admin other")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code")
	}
}

func TestMiddleware_ContinuesTraceContext(t *testing.T) {
	m, _, _, logs := adminSetup(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var inner string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
		_, _ = w.Write([]byte("ok"))
	}))

	rec := serve(h, "/debug", map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})

	if inner != traceID {
		t.Errorf("handler correlation ID = %q, want %q", inner, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if !bytes.Contains(logs.Bytes(), []byte("trace_id="+traceID)) || !bytes.Contains(logs.Bytes(), []byte("status=200")) {
		t.Errorf("request log lacks trace or status: %s", logs.String())
	}
}

func TestMiddleware_ServerErrorMarksSpan(t *testing.T) {
	m, _, exp, _ := adminSetup(t)
	h := Middleware(m)(statusHandler(http.StatusInternalServerError))

	serve(h, "/debug", nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status.Code)
	}
}

func TestRouteOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		route  string
		health bool
	}{
		{"/healthz", "/healthz", true},
		{"/metrics", "/metrics", true},
		{"/healthz/extra", RouteOther, false},
		{"/", RouteOther, false},
	}
	for _, tt := range tests {
		route, health := routeOf(tt.path)
		if route != tt.route || health != tt.health {
			t.Errorf("routeOf(%q) = %q, %v; want %q, %v", tt.path, route, health, tt.route, tt.health)
		}
	}
}
