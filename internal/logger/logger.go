// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context and carries
// request IDs through context.Context for the read API.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type ctxKey string

const reqIDKey ctxKey = "req_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a config string to a slog level. Unknown values fall
// back to info.
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

// WithReqID stores a request ID in the context for downstream handlers.
func WithReqID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, reqIDKey, id)
}

// ReqID extracts the request ID from context. Returns "" if not set.
func ReqID(ctx context.Context) string {
	if v, ok := ctx.Value(reqIDKey).(string); ok {
		return v
	}
	return ""
}

// LogWithReq returns slog attributes including the request ID from context.
// Usage: slog.Info("msg", logger.LogWithReq(ctx)...)
func LogWithReq(ctx context.Context) []any {
	id := ReqID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("req_id", id)}
}
