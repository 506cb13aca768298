package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"ChatBridge/internal/bridge"
	"ChatBridge/internal/config"
	"ChatBridge/internal/session"
	"ChatBridge/internal/telemetry"
	"ChatBridge/internal/upstream"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge",
	Long: `Start the bridge: connect to the upstream driver, initialize the
session and accept subscribers until interrupted.

Flags override values from --config, which override the defaults.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("listen", "", "HTTP listen address for /ws, /health, /ready and /metrics")
	f.String("ws-path", "", "Websocket endpoint path")
	f.String("tcp", "", "Listen address for newline-delimited JSON subscribers (disabled when empty)")
	f.String("upstream", "", "Driver endpoint: stdio:<command>, ws(s)://host/path or http(s)://host")
	f.Duration("timeout", 0, "Default per-command timeout")
	f.Duration("cache-ttl", 0, "TTL for cached listings")
	f.String("cache-dir", "", "Directory of the persistent cache")
	f.Bool("cache-disk", false, "Persist cached listings across restarts")
	f.String("log-dir", "", "Directory for rotated log files")
	f.String("log-level", "", "Log level (debug, info, warn, error)")
	f.Bool("log-stderr", false, "Mirror logs to stderr")
	f.Bool("telemetry", true, "Export traces and metrics to files")
	f.StringSlice("origin", nil, "Allowed websocket origin (repeatable)")
	f.Int("queue", 0, "Outbound frames buffered per subscriber")
	rootCmd.AddCommand(serveCmd)
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			err = apply()
		}
	}

	set("listen", func() (e error) { cfg.ListenAddr, e = flags.GetString("listen"); return })
	set("ws-path", func() (e error) { cfg.WSPath, e = flags.GetString("ws-path"); return })
	set("tcp", func() (e error) { cfg.TCPAddr, e = flags.GetString("tcp"); return })
	set("upstream", func() (e error) { cfg.Upstream, e = flags.GetString("upstream"); return })
	set("timeout", func() (e error) { cfg.OperationTimeout, e = flags.GetDuration("timeout"); return })
	set("cache-ttl", func() (e error) { cfg.CacheTTL, e = flags.GetDuration("cache-ttl"); return })
	set("cache-dir", func() (e error) { cfg.CacheDir, e = flags.GetString("cache-dir"); return })
	set("cache-disk", func() (e error) { cfg.CacheDisk, e = flags.GetBool("cache-disk"); return })
	set("log-dir", func() (e error) { cfg.LogDir, e = flags.GetString("log-dir"); return })
	set("log-level", func() (e error) { cfg.LogLevel, e = flags.GetString("log-level"); return })
	set("log-stderr", func() (e error) { cfg.LogStderr, e = flags.GetBool("log-stderr"); return })
	set("telemetry", func() (e error) { cfg.TelemetryEnabled, e = flags.GetBool("telemetry"); return })
	set("origin", func() (e error) { cfg.Origins, e = flags.GetStringSlice("origin"); return })
	set("queue", func() (e error) { cfg.QueueSize, e = flags.GetInt("queue"); return })
	return err
}

// dialDriver connects to the upstream driver. A driver that cannot be
// reached yields nil, and the bridge serves with every command answered
// not ready.
func dialDriver(endpoint string, logger *slog.Logger) session.Driver {
	client, err := upstream.Dial(endpoint, logger.With("component", "upstream"))
	if err != nil {
		logger.Error("failed to connect upstream, serving without a session", "upstream", endpoint, "error", err)
		return nil
	}
	logger.Info("upstream connected", "driver", client.Name())
	return client
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd.Flags(), &cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := telemetry.InitLogger(telemetry.LogOptions{
		Dir:    cfg.LogDir,
		Level:  cfg.LogLevel,
		Stderr: cfg.LogStderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := bridge.Options{Logger: logger}
	if cfg.TelemetryEnabled {
		tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.TelemetryDir, version)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		opts.Tracer, opts.Meter, opts.Cleanup = tracer, meter, cleanup
	}

	driver := dialDriver(cfg.Upstream, logger)
	b, err := bridge.New(cfg, driver, opts)
	if err != nil {
		if c, ok := driver.(io.Closer); ok {
			_ = c.Close()
		}
		if opts.Cleanup != nil {
			opts.Cleanup()
		}
		return err
	}

	logger.Info("starting chatbridge", "version", version, "listen", cfg.ListenAddr, "tcp", cfg.TCPAddr)
	return b.Run(ctx)
}
