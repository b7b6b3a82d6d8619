// Package logger provides structured JSON logging with request correlation.
// No credentials are logged; request_id and cluster_id enable traceability.
package logger

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

type contextKey string

const (
	RequestIDKey     contextKey = "request_id"
	CorrelationIDKey contextKey = "correlation_id"
)

// LogEntry is the structured access-log payload (one JSON line per request).
type LogEntry struct {
	Time          string  `json:"time"`
	Level         string  `json:"level"`
	RequestID     string  `json:"request_id,omitempty"`
	CorrelationID string  `json:"correlation_id,omitempty"`
	ClusterID     string  `json:"cluster_id,omitempty"`
	Identity      string  `json:"identity,omitempty"`
	Method        string  `json:"method,omitempty"`
	Path          string  `json:"path,omitempty"`
	Status        int     `json:"status,omitempty"`
	DurationMs    float64 `json:"duration_ms,omitempty"`
	Remote        string  `json:"remote,omitempty"`
	Message       string  `json:"message,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// RequestLog writes a single JSON line for a finished HTTP request. Use from
// middleware after the handler returns.
func RequestLog(out *os.File, entry LogEntry) {
	entry.Time = time.Now().UTC().Format(time.RFC3339Nano)
	if entry.Level == "" {
		entry.Level = levelFor(entry.Status)
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(entry)
}

func levelFor(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "warn"
	default:
		return "info"
	}
}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// FromContext returns the request ID from context, or empty string.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a context carrying the caller-supplied
// correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// CorrelationFromContext returns the correlation ID from context, or empty.
func CorrelationFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// StdLogger returns a slog.Logger for non-request logs (startup, shutdown,
// background loops). JSON when LOG_JSON=1, text otherwise.
func StdLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("LOG_JSON") == "1" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
