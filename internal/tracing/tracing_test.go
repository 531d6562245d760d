package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "without SERVICE_VERSION", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "strips http scheme", envValue: "http://collector:4318", expected: "collector:4318"},
		{name: "strips https scheme", envValue: "https://collector:4318", expected: "collector:4318"},
		{name: "host only", envValue: "collector:4318", expected: "collector:4318"},
		{name: "default", envValue: "", expected: "tempo:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "relay-test", Options{Disabled: true})
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
}

func TestStartSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "worker.deliver",
		attribute.String("endpoint_id", "ep_1"),
		attribute.Int("attempt", 2),
	)
	AddSpanEvent(ctx, "http.send")
	SetSpanError(ctx, errors.New("connection refused"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "worker.deliver" {
		t.Errorf("span name = %q, want %q", got.Name, "worker.deliver")
	}
	if len(got.Attributes) != 2 {
		t.Errorf("span attributes = %d, want 2", len(got.Attributes))
	}
	if len(got.Events) < 2 {
		t.Errorf("span events = %d, want at least 2 (event + error)", len(got.Events))
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status.Code)
	}
}

func TestSetSpanError_Nil(t *testing.T) {
	exporter := setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "noop")
	SetSpanError(ctx, nil)
	span.End()

	if code := exporter.GetSpans()[0].Status.Code; code == codes.Error {
		t.Error("SetSpanError(nil) should not mark the span as failed")
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("GetTraceID() without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	if got := GetTraceID(ctx); len(got) != 32 {
		t.Errorf("GetTraceID() = %q, want 32 hex chars", got)
	}
}

func TestMapRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch")
	defer span.End()

	headers := InjectMap(ctx)
	if headers["traceparent"] == "" {
		t.Fatal("InjectMap() did not write traceparent")
	}

	restored := ExtractMap(context.Background(), headers)
	if GetTraceID(restored) != GetTraceID(ctx) {
		t.Errorf("ExtractMap() trace = %q, want %q", GetTraceID(restored), GetTraceID(ctx))
	}

	if got := ExtractMap(context.Background(), nil); got != context.Background() {
		t.Error("ExtractMap(nil) should return the input context")
	}
}

func TestHTTPRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "deliver")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("InjectHTTP() did not set traceparent")
	}

	restored := ExtractHTTP(context.Background(), h)
	if GetTraceID(restored) != GetTraceID(ctx) {
		t.Error("ExtractHTTP() did not restore the trace id")
	}
}
