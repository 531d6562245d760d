package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// captureLogs redirects output for the duration of the test and returns decoded lines.
func captureLogs(t *testing.T) (*bytes.Buffer, func() []map[string]any) {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}) })

	return buf, func() []map[string]any {
		var out []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			if line == "" {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				t.Fatalf("log line is not JSON: %q: %v", line, err)
			}
			out = append(out, m)
		}
		return out
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "relayd"},
		{name: "create logger with empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.Service() != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.Service(), tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	_, lines := captureLogs(t)
	logger := New("relayd")

	logger.Plain().
		WithTenant("tn_1").
		WithEvent("evt_1").
		WithDelivery("att_1").
		WithEndpoint("ep_1").
		WithInstall("inst_1").
		WithField("attempt", 3).
		WithFields(map[string]any{"reason": "http_5xx"}).
		WithError(errors.New("boom")).
		Warn("delivery failed")

	got := lines()
	if len(got) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(got))
	}
	line := got[0]

	want := map[string]string{
		"level":       "warn",
		"message":     "delivery failed",
		"service":     "relayd",
		"tenant_id":   "tn_1",
		"event_id":    "evt_1",
		"delivery_id": "att_1",
		"endpoint_id": "ep_1",
		"install_id":  "inst_1",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("log[%q] = %v, want %q", k, line[k], v)
		}
	}

	fields, ok := line["fields"].(map[string]any)
	if !ok {
		t.Fatalf("log[fields] = %T, want object", line["fields"])
	}
	if fields["attempt"] != float64(3) {
		t.Errorf("fields[attempt] = %v, want 3", fields["attempt"])
	}
	if fields["reason"] != "http_5xx" {
		t.Errorf("fields[reason] = %v, want http_5xx", fields["reason"])
	}
	if fields["error"] != "boom" {
		t.Errorf("fields[error] = %v, want boom", fields["error"])
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField bool
	}{
		{name: "with error", err: errors.New("test error"), wantField: true},
		{name: "with nil error", err: nil, wantField: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := New("svc").Plain().WithError(tt.err)
			_, has := entry.Fields["error"]
			if has != tt.wantField {
				t.Errorf("WithError() error field present = %v, want %v", has, tt.wantField)
			}
		})
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name      string
		logFunc   func(e *LogEntry)
		wantLevel string
		wantMsg   string
	}{
		{"debug", func(e *LogEntry) { e.Debug("d") }, "debug", "d"},
		{"debugf", func(e *LogEntry) { e.Debugf("d %d", 1) }, "debug", "d 1"},
		{"info", func(e *LogEntry) { e.Info("i") }, "info", "i"},
		{"infof", func(e *LogEntry) { e.Infof("i %s", "x") }, "info", "i x"},
		{"warn", func(e *LogEntry) { e.Warn("w") }, "warn", "w"},
		{"warnf", func(e *LogEntry) { e.Warnf("w %v", true) }, "warn", "w true"},
		{"error", func(e *LogEntry) { e.Error("e") }, "error", "e"},
		{"errorf", func(e *LogEntry) { e.Errorf("e %d", 2) }, "error", "e 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, lines := captureLogs(t)
			entry := New("svc").Plain()
			tt.logFunc(entry)

			if entry.Level != LogLevel(tt.wantLevel) {
				t.Errorf("entry.Level = %q, want %q", entry.Level, tt.wantLevel)
			}
			got := lines()
			if len(got) != 1 {
				t.Fatalf("expected 1 line, got %d: %s", len(got), buf.String())
			}
			if got[0]["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %q", got[0]["level"], tt.wantLevel)
			}
			if got[0]["message"] != tt.wantMsg {
				t.Errorf("message = %v, want %q", got[0]["message"], tt.wantMsg)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	_, lines := captureLogs(t)
	SetLevel("warn")
	t.Cleanup(func() { SetLevel("debug") })

	logger := New("svc")
	logger.Plain().Info("dropped")
	logger.Plain().Error("kept")

	got := lines()
	if len(got) != 1 {
		t.Fatalf("expected 1 line at warn level, got %d", len(got))
	}
	if got[0]["message"] != "kept" {
		t.Errorf("message = %v, want kept", got[0]["message"])
	}
}

func TestGlobalFunctions(t *testing.T) {
	_, lines := captureLogs(t)
	SetDefaultService("relay-test")
	t.Cleanup(func() { SetDefaultService("harborrelay") })

	Plain().Info("plain")
	WithFields(map[string]any{"k": "v"}).Info("fields")
	WithContext(context.Background()).Info("ctx")

	got := lines()
	if len(got) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(got))
	}
	for _, l := range got {
		if l["service"] != "relay-test" {
			t.Errorf("service = %v, want relay-test", l["service"])
		}
	}
}

func TestLogLevelConstants(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{LevelFatal, "fatal"},
	}
	for _, tt := range tests {
		if string(tt.level) != tt.want {
			t.Errorf("LogLevel = %q, want %q", tt.level, tt.want)
		}
	}
}
