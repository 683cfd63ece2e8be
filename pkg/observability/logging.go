package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger interface for dependency injection
type Logger interface {
	Debug(ctx context.Context, message string, attrs ...map[string]interface{})
	Info(ctx context.Context, message string, attrs ...map[string]interface{})
	Warn(ctx context.Context, message string, attrs ...map[string]interface{})
	Error(ctx context.Context, message string, err error, attrs ...map[string]interface{})
}

// NewLogger builds the process zap logger. format is "json" or "console".
func NewLogger(level, format string) (*zap.Logger, error) {
	var config zap.Config
	if strings.EqualFold(format, "console") {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// StructuredLogger provides structured logging with trace correlation
type StructuredLogger struct {
	zl        *zap.Logger
	component string
}

// NewStructuredLogger creates a component logger on top of base.
// A nil base yields a no-op logger.
func NewStructuredLogger(base *zap.Logger, component string) *StructuredLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return &StructuredLogger{
		zl:        base.Named(component),
		component: component,
	}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *StructuredLogger {
	return NewStructuredLogger(zap.NewNop(), "nop")
}

// extractTraceInfo extracts trace and span IDs from context
func extractTraceInfo(ctx context.Context) (traceID, spanID string) {
	if ctx == nil {
		return "", ""
	}
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		traceID = spanCtx.TraceID().String()
		spanID = spanCtx.SpanID().String()
	}
	return traceID, spanID
}

func (l *StructuredLogger) fields(ctx context.Context, attrs []map[string]interface{}) []zap.Field {
	var fields []zap.Field
	if traceID, spanID := extractTraceInfo(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID), zap.String("span_id", spanID))
	}
	if len(attrs) > 0 {
		for k, v := range attrs[0] {
			fields = append(fields, zap.Any(k, v))
		}
	}
	return fields
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(ctx context.Context, message string, attrs ...map[string]interface{}) {
	if !l.zl.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.zl.Debug(message, l.fields(ctx, attrs)...)
}

// Info logs an info message
func (l *StructuredLogger) Info(ctx context.Context, message string, attrs ...map[string]interface{}) {
	l.zl.Info(message, l.fields(ctx, attrs)...)
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(ctx context.Context, message string, attrs ...map[string]interface{}) {
	l.zl.Warn(message, l.fields(ctx, attrs)...)
}

// Error logs an error message
func (l *StructuredLogger) Error(ctx context.Context, message string, err error, attrs ...map[string]interface{}) {
	fields := l.fields(ctx, attrs)
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.zl.Error(message, fields...)
}

// WithComponent creates a new logger with a different component name
func (l *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return &StructuredLogger{
		zl:        l.zl.Named(component),
		component: component,
	}
}

// Zap exposes the underlying zap logger
func (l *StructuredLogger) Zap() *zap.Logger {
	return l.zl
}
