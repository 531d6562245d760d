package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogEntry collects correlation ids and fields before being emitted
type LogEntry struct {
	logger     *Logger
	Time       time.Time
	Level      LogLevel
	Message    string
	TraceID    string
	TenantID   string
	EventID    string
	DeliveryID string
	EndpointID string
	InstallID  string
	Fields     map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	mu      sync.RWMutex
	zl      zerolog.Logger
}

var (
	outputMu sync.RWMutex
	output   io.Writer = os.Stdout
	minLevel           = zerolog.DebugLevel
)

// SetOutput redirects every logger created afterwards (and the default logger) to w
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
	defaultLogger.rebuild()
}

// SetLevel sets the minimum level from a config string (debug, info, warn, error)
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	outputMu.Lock()
	minLevel = lvl
	outputMu.Unlock()
	defaultLogger.rebuild()
}

// UsePretty switches to zerolog's console writer for local runs
func UsePretty() {
	SetOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	l := &Logger{service: service}
	l.rebuild()
	return l
}

func (l *Logger) rebuild() {
	outputMu.RLock()
	w, lvl := output, minLevel
	outputMu.RUnlock()

	zl := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	if l.service != "" {
		zl = zl.With().Str("service", l.service).Logger()
	}
	l.mu.Lock()
	l.zl = zl
	l.mu.Unlock()
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		logger: l,
		Time:   time.Now().UTC(),
		Fields: make(map[string]any),
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.TraceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTenant sets the tenant ID for the log entry
func (e *LogEntry) WithTenant(tenantID string) *LogEntry {
	e.TenantID = tenantID
	return e
}

// WithEvent sets the event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithDelivery sets the delivery attempt ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

// WithEndpoint sets the endpoint ID for the log entry
func (e *LogEntry) WithEndpoint(endpointID string) *LogEntry {
	e.EndpointID = endpointID
	return e
}

// WithInstall sets the inbound install ID for the log entry
func (e *LogEntry) WithInstall(installID string) *LogEntry {
	e.InstallID = installID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.emit(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.emit(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.emit(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.emit(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// emit writes the entry through zerolog. Fatal is written at error severity
// with level=fatal so that the caller, not zerolog, owns process exit.
func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message

	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	var ev *zerolog.Event
	if level == LevelFatal {
		ev = zl.WithLevel(zerolog.FatalLevel)
	} else {
		ev = zl.WithLevel(level.zerolog())
	}
	if ev == nil {
		return
	}

	ids := []struct{ key, val string }{
		{"trace_id", e.TraceID},
		{"tenant_id", e.TenantID},
		{"event_id", e.EventID},
		{"delivery_id", e.DeliveryID},
		{"endpoint_id", e.EndpointID},
		{"install_id", e.InstallID},
	}
	for _, id := range ids {
		if id.val != "" {
			ev = ev.Str(id.key, id.val)
		}
	}

	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := zerolog.Dict()
		for _, k := range keys {
			fields = fields.Interface(k, e.Fields[k])
		}
		ev = ev.Dict("fields", fields)
	}
	ev.Msg(message)
}

var defaultLogger = New("harborrelay")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
	defaultLogger.rebuild()
}
