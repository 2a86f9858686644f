// Package gatewaylog wires up the gateway's structured logger and the
// per-request correlation-id plumbing, following the teacher's
// log/slog JSON-handler convention (cmd/charon-proxy/main.go).
package gatewaylog

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const correlationIDKey contextKey = iota

// New builds the gateway's process-wide logger: JSON output to
// stdout, level configurable so operators can turn on debug probing
// without a redeploy.
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelationID stamps ctx with a correlation id, generating one if
// the caller didn't already carry one from an inbound header.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID returns the correlation id stashed in ctx, or "" if
// none was set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// RequestFields returns the common structured fields every access-log
// line carries, per spec.md's request pipeline: correlation id,
// resolved service, response status, and latency.
func RequestFields(ctx context.Context, service string, status int, duration time.Duration) []any {
	return []any{
		"correlation_id", CorrelationID(ctx),
		"service", service,
		"status", status,
		"duration_ms", duration.Milliseconds(),
	}
}
