// Package observability provides the structured log envelope, Prometheus
// metrics, and OpenTelemetry tracing for the gateway.
//
// Log lines are one JSON object each:
//
//	{timestamp, level, service, stage, event, request_id, snapshot_etag?,
//	 prompt_fingerprint?, meta:{...}}
//
// Trace and span ids are injected when a span is recording.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id on the context for log injection.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id bound to ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Logger emits envelope-shaped structured logs for one service.
type Logger struct {
	base    *slog.Logger
	service string
}

// NewLogger builds a JSON logger writing to w at the given level. Level
// strings follow slog conventions ("DEBUG", "INFO", "WARN", "ERROR").
func NewLogger(service, level string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// The envelope names the time field "timestamp".
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Key = "timestamp"
			}
			return a
		},
	})
	return &Logger{
		base:    slog.New(h).With("service", service),
		service: service,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Stage emits one envelope line for a pipeline stage event. Extra attributes
// land under meta.
func (l *Logger) Stage(ctx context.Context, level slog.Level, stage, event string, meta ...any) {
	attrs := []any{
		slog.String("stage", stage),
		slog.String("event", event),
	}
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", span.TraceID().String()),
			slog.String("span_id", span.SpanID().String()),
		)
	}
	if len(meta) > 0 {
		attrs = append(attrs, slog.Group("meta", meta...))
	}
	l.base.Log(ctx, level, event, attrs...)
}

// Info logs an informational stage event.
func (l *Logger) Info(ctx context.Context, stage, event string, meta ...any) {
	l.Stage(ctx, slog.LevelInfo, stage, event, meta...)
}

// Warn logs a degraded-but-continuing stage event.
func (l *Logger) Warn(ctx context.Context, stage, event string, meta ...any) {
	l.Stage(ctx, slog.LevelWarn, stage, event, meta...)
}

// Error logs a stage failure.
func (l *Logger) Error(ctx context.Context, stage, event string, meta ...any) {
	l.Stage(ctx, slog.LevelError, stage, event, meta...)
}

// Debug logs verbose diagnostics.
func (l *Logger) Debug(ctx context.Context, stage, event string, meta ...any) {
	l.Stage(ctx, slog.LevelDebug, stage, event, meta...)
}

// Discard returns a logger that drops everything; used in tests.
func Discard() *Logger {
	return NewLogger("test", "ERROR", io.Discard)
}
