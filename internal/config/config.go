package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds application configuration
type Config struct {
	ListenAddr string   // HTTP listener for /ws, /health, /ready and /metrics
	WSPath     string   // path of the websocket endpoint
	TCPAddr    string   // optional newline-delimited JSON listener; empty disables it
	Upstream   string   // driver endpoint: stdio:<cmd>, ws(s)://, http(s)://
	Origins    []string // allowed websocket origins; empty allows any

	OperationTimeout time.Duration
	CacheTTL         time.Duration
	CacheDir         string
	CacheDisk        bool // persist the cache in sqlite under CacheDir

	LogDir    string
	LogLevel  string
	LogStderr bool

	TelemetryDir     string
	TelemetryEnabled bool

	QueueSize int // outbound frames buffered per subscriber
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:8080",
		WSPath:           "/ws",
		OperationTimeout: 30 * time.Second,
		CacheTTL:         5 * time.Minute,
		CacheDir:         ".chatbridge",
		LogDir:           "logs",
		LogLevel:         "info",
		TelemetryDir:     "logs",
		TelemetryEnabled: true,
		QueueSize:        64,
	}
}

type fileConfig struct {
	ListenAddr       string   `toml:"listen_addr"`
	WSPath           string   `toml:"ws_path"`
	TCPAddr          string   `toml:"tcp_addr"`
	Upstream         string   `toml:"upstream"`
	OperationTimeout string   `toml:"operation_timeout"`
	CacheTTL         string   `toml:"cache_ttl"`
	CacheDir         string   `toml:"cache_dir"`
	CacheDisk        bool     `toml:"cache_disk"`
	LogDir           string   `toml:"log_dir"`
	LogLevel         string   `toml:"log_level"`
	LogStderr        bool     `toml:"log_stderr"`
	TelemetryDir     string   `toml:"telemetry_dir"`
	TelemetryEnabled bool     `toml:"telemetry_enabled"`
	QueueSize        int      `toml:"queue_size"`
	AllowedOrigins   []string `toml:"allowed_origins"`
}

// Load returns the defaults overlaid with the keys present in the TOML
// file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("ws_path") {
		cfg.WSPath = strings.TrimSpace(raw.WSPath)
	}
	if meta.IsDefined("tcp_addr") {
		cfg.TCPAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("upstream") {
		cfg.Upstream = strings.TrimSpace(raw.Upstream)
	}
	if meta.IsDefined("operation_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.OperationTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse operation_timeout: %w", err)
		}
		cfg.OperationTimeout = d
	}
	if meta.IsDefined("cache_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CacheTTL))
		if err != nil {
			return Config{}, fmt.Errorf("parse cache_ttl: %w", err)
		}
		cfg.CacheTTL = d
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}
	if meta.IsDefined("cache_disk") {
		cfg.CacheDisk = raw.CacheDisk
	}
	if meta.IsDefined("log_dir") {
		cfg.LogDir = strings.TrimSpace(raw.LogDir)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_stderr") {
		cfg.LogStderr = raw.LogStderr
	}
	if meta.IsDefined("telemetry_dir") {
		cfg.TelemetryDir = strings.TrimSpace(raw.TelemetryDir)
	}
	if meta.IsDefined("telemetry_enabled") {
		cfg.TelemetryEnabled = raw.TelemetryEnabled
	}
	if meta.IsDefined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if meta.IsDefined("allowed_origins") {
		cfg.Origins = normalizeOrigins(raw.AllowedOrigins)
	}

	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.ListenAddr == "" && c.TCPAddr == "" {
		return errors.New("no listener configured: set listen_addr or tcp_addr")
	}
	if c.ListenAddr != "" && !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path %q must start with /", c.WSPath)
	}
	if c.Upstream == "" {
		return errors.New("upstream endpoint is required")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation_timeout must be positive, got %v", c.OperationTimeout)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive, got %v", c.CacheTTL)
	}
	if c.CacheDisk && c.CacheDir == "" {
		return errors.New("cache_disk requires cache_dir")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	return nil
}
