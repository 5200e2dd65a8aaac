// Package logger provides structured logging using slog with request context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "request_id"
	// NodeIDKey is the context key for the node a request or stream acts for.
	NodeIDKey contextKey = "node_id"
)

// Logger wraps slog.Logger with domain-aware helpers.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to stdout with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, json bool) *Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *Logger {
	return New(slog.LevelInfo, true)
}

// ParseLevel maps a configuration string to a level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	if nodeID, ok := NodeIDFromContext(ctx); ok {
		logger = logger.With("node_id", nodeID)
	}
	return &Logger{Logger: logger}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}

// WithNodeID returns a new Logger with the node ID field.
func (l *Logger) WithNodeID(id uuid.UUID) *Logger {
	return &Logger{Logger: l.Logger.With("node_id", id)}
}

// WithJobID returns a new Logger with the job ID field.
func (l *Logger) WithJobID(id uuid.UUID) *Logger {
	return &Logger{Logger: l.Logger.With("job_id", id)}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithNodeID records the reporting node on the context.
func ContextWithNodeID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, NodeIDKey, id)
}

// NodeIDFromContext extracts the reporting node from context.
func NodeIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(NodeIDKey).(uuid.UUID)
	return id, ok
}
