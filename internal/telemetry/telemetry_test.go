package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	SubscriberOpened("websocket")
	SubscriberClosed("websocket")
	RecordFrame("tcp", "in", "command")
	RecordDroppedEvent("tcp")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}

func TestInitLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, closer, err := InitLogger(LogOptions{Dir: dir, Level: "debug"})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	logger.Debug("hello", "k", "v")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "chatbridge.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) || !strings.Contains(string(data), `"k":"v"`) {
		t.Fatalf("unexpected log contents: %s", data)
	}
}

func TestInitTelemetry(t *testing.T) {
	tracer, meter, cleanup, err := InitTelemetry(context.Background(), t.TempDir(), "test")
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer cleanup()

	_, span := tracer.Start(context.Background(), "smoke")
	span.End()
	if _, err := meter.Int64Counter("smoke"); err != nil {
		t.Fatalf("counter: %v", err)
	}
}
