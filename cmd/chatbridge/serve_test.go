package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"ChatBridge/internal/bridge"
	"ChatBridge/internal/config"
)

func TestApplyFlagsOverridesOnlyChanged(t *testing.T) {
	flags := serveCmd.Flags()
	if err := flags.Parse([]string{
		"--upstream", "ws://127.0.0.1:9000/rpc",
		"--timeout", "5s",
		"--telemetry=false",
		"--origin", "http://a.example", "--origin", "http://b.example",
	}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "0.0.0.0:9999"
	if err := applyFlags(flags, &cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if cfg.Upstream != "ws://127.0.0.1:9000/rpc" || cfg.OperationTimeout != 5*time.Second {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.TelemetryEnabled {
		t.Fatalf("telemetry flag not applied")
	}
	if len(cfg.Origins) != 2 {
		t.Fatalf("origins not applied: %v", cfg.Origins)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Fatalf("unset flag overwrote config: %q", cfg.ListenAddr)
	}
}

func TestDialDriverFailureServesWithoutSession(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if d := dialDriver("bogus://nowhere", logger); d != nil {
		t.Fatalf("expected no driver, got %T", d)
	}

	cfg := config.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.CacheDisk = false
	b, err := bridge.New(cfg, dialDriver("stdio:", logger), bridge.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Shutdown(context.Background())
	if b.Session().IsReady() {
		t.Fatalf("session without a driver reported ready")
	}
	if b.Addr() == "" {
		t.Fatalf("listener not bound")
	}
}
