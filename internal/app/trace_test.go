package app_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The tracer provider and default logger are process globals, so these tests
// never run in parallel.

func captureTelemetry(t *testing.T) (*tracetest.InMemoryExporter, *bytes.Buffer) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	var logs bytes.Buffer
	origLog := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))

	t.Cleanup(func() {
		slog.SetDefault(origLog)
		otel.SetTracerProvider(origTP)
		_ = tp.Shutdown(context.Background())
	})
	return exp, &logs
}

func TestSessionManager_TracesStart(t *testing.T) {
	exp, logs := captureTelemetry(t)
	reg, _ := newTestRegistry(nil)
	sm := newTestSessionManager(t, reg)

	if err := sm.Start(context.Background(), testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info := sm.Info()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "app.session.start" {
		t.Fatalf("spans = %v, want one app.session.start", spans)
	}
	start := spans[0]
	attrs := make(map[string]int64)
	for _, kv := range start.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInt64()
	}
	if attrs["ssrc"] != int64(info.SSRC) || attrs["generation"] != 1 {
		t.Errorf("span attributes = %v, want ssrc %d generation 1", attrs, info.SSRC)
	}

	line := logLine(t, logs.String(), "session started")
	if !strings.Contains(line, "trace_id="+start.SpanContext.TraceID().String()) {
		t.Errorf("session log not correlated with span %s: %s", start.SpanContext.TraceID(), line)
	}
	if !strings.Contains(line, "span_id="+start.SpanContext.SpanID().String()) {
		t.Errorf("session log lacks span_id: %s", line)
	}
}

func TestSessionManager_TracesFailedRebuild(t *testing.T) {
	exp, _ := captureTelemetry(t)
	reg, _ := newTestRegistry(nil)
	sm := newTestSessionManager(t, reg)

	prev := testConfig()
	if err := sm.Start(context.Background(), prev); err != nil {
		t.Fatalf("Start: %v", err)
	}
	exp.Reset()

	next := testConfig()
	next.Audio.Playback.Name = "missing"
	if err := sm.Restart(context.Background(), prev, next); err == nil {
		t.Fatal("Restart with unknown playback succeeded")
	}

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want failed start, restored start and rebuild", len(spans))
	}
	failed, restored, rebuild := spans[0], spans[1], spans[2]

	if rebuild.Name != "app.session.rebuild" || rebuild.Status.Code != codes.Error {
		t.Errorf("rebuild span = %q status %v", rebuild.Name, rebuild.Status.Code)
	}
	if failed.Name != "app.session.start" || failed.Status.Code != codes.Error {
		t.Errorf("failed start span = %q status %v", failed.Name, failed.Status.Code)
	}
	if len(failed.Events) == 0 || failed.Events[0].Name != "exception" {
		t.Error("failed start span did not record the build error")
	}
	if restored.Status.Code == codes.Error {
		t.Error("restored start span marked as failed")
	}
	for _, child := range []tracetest.SpanStub{failed, restored} {
		if child.Parent.SpanID() != rebuild.SpanContext.SpanID() {
			t.Errorf("%s span is not a child of the rebuild span", child.Name)
		}
	}
	if got := sm.Info().Generation; got != 2 {
		t.Errorf("generation = %d, want 2 after restoring", got)
	}
}

func logLine(t *testing.T, logs, msg string) string {
	t.Helper()
	for line := range strings.SplitSeq(logs, "\n") {
		if strings.Contains(line, `msg="`+msg+`"`) {
			return line
		}
	}
	t.Fatalf("no %q log line in:\n%s", msg, logs)
	return ""
}
