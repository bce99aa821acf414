package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestReqID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No request ID set
	if id := ReqID(ctx); id != "" {
		t.Errorf("expected empty request id, got %q", id)
	}

	// Set and retrieve
	ctx = WithReqID(ctx, "req-123")
	if id := ReqID(ctx); id != "req-123" {
		t.Errorf("expected 'req-123', got %q", id)
	}
}

func TestLogWithReq(t *testing.T) {
	ctx := context.Background()

	attrs := LogWithReq(ctx)
	if attrs != nil {
		t.Errorf("expected nil attrs when no request id, got %v", attrs)
	}

	ctx = WithReqID(ctx, "abc-123")
	attrs = LogWithReq(ctx)
	if len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with request id set")
	}
}
