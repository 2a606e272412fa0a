package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled slog.Level
		off     slog.Level
	}{
		{"debug", slog.LevelDebug, slog.LevelDebug - 1},
		{"info", slog.LevelInfo, slog.LevelDebug},
		{"warn", slog.LevelWarn, slog.LevelInfo},
		{"error", slog.LevelError, slog.LevelWarn},
		{"", slog.LevelInfo, slog.LevelDebug},
		{"verbose", slog.LevelInfo, slog.LevelDebug},
	}
	for _, tt := range tests {
		logger := NewWithWriter(tt.level, "text", &bytes.Buffer{})
		if !logger.Enabled(context.Background(), tt.enabled) {
			t.Errorf("level %q: expected %s enabled", tt.level, tt.enabled)
		}
		if logger.Enabled(context.Background(), tt.off) {
			t.Errorf("level %q: expected %s disabled", tt.level, tt.off)
		}
	}
}

func TestNewWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("info", "json", &buf).Info("escrow settled", "escrow_id", "esc_1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "escrow settled" || line["escrow_id"] != "esc_1" {
		t.Errorf("unexpected record %v", line)
	}
}

func TestNew_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fortiescrow.log")
	New("info", "text", path).Info("sweep finished", "refunded", 2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "sweep finished") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "first")
	ctx = WithRequestID(ctx, "second")
	if id := RequestID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger when none set")
	}

	custom := NewWithWriter("debug", "json", &bytes.Buffer{})
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter("info", "text", &buf))

	L(ctx).Info("no id")
	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("unexpected request_id: %q", buf.String())
	}

	buf.Reset()
	L(WithRequestID(ctx, "req-456")).Info("with id")
	if !strings.Contains(buf.String(), "request_id=req-456") {
		t.Errorf("expected request_id attribute, got %q", buf.String())
	}
}
