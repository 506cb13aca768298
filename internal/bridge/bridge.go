package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"ChatBridge/internal/broadcast"
	"ChatBridge/internal/cache"
	"ChatBridge/internal/config"
	"ChatBridge/internal/router"
	"ChatBridge/internal/session"
	"ChatBridge/internal/transport"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// QRTTL is how long a pairing code stays available to late joiners.
const QRTTL = 300 * time.Second

// Options carries the ambient services built by the caller.
type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
	// Cleanup flushes telemetry; it runs last during Shutdown.
	Cleanup func()
}

// Bridge wires one upstream session to its subscribers
type Bridge struct {
	config  config.Config
	logger  *slog.Logger
	cleanup func()

	cache    *cache.Cache
	session  *session.Client
	router   *router.Router
	hub      *broadcast.Broadcaster
	endpoint *transport.Endpoint

	httpSrv *http.Server
	httpLn  net.Listener
	tcpLn   net.Listener

	hubCancel    context.CancelFunc
	hubDone      chan struct{}
	errs         chan error
	shutdownOnce sync.Once
}

// New assembles the bridge around driver. Nothing listens until Start.
func New(cfg config.Config, driver session.Driver, opts Options) (*Bridge, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var disk *cache.Disk
	if cfg.CacheDisk {
		var err error
		disk, err = cache.OpenDisk(filepath.Join(cfg.CacheDir, "cache.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		logger.Info("cache disk tier enabled", "dir", cfg.CacheDir)
	}

	b := &Bridge{
		config:  cfg,
		logger:  logger,
		cleanup: opts.Cleanup,
		cache:   cache.New(cache.Options{Disk: disk, Logger: logger.With("component", "cache")}),
		session: session.New(driver, logger.With("component", "session")),
		hubDone: make(chan struct{}),
		errs:    make(chan error, 2),
	}

	b.router = router.New(b.session, router.Options{
		Timeout:  cfg.OperationTimeout,
		CacheTTL: cfg.CacheTTL,
		Cache:    b.cache,
		Logger:   logger.With("component", "router"),
		Tracer:   opts.Tracer,
		Meter:    opts.Meter,
	})

	b.hub = broadcast.New(logger.With("component", "broadcast"), opts.Meter)
	b.hub.Observe(CacheObserver(b.cache))

	b.endpoint = transport.New(transport.Options{
		Handler:   b.router,
		Registry:  b.hub,
		Status:    b.session,
		Cache:     b.cache,
		WSPath:    cfg.WSPath,
		Origins:   cfg.Origins,
		QueueSize: cfg.QueueSize,
		Logger:    logger.With("component", "transport"),
	})

	return b, nil
}

// CacheObserver keeps cached listings consistent with session events: a
// new message drops its chat's history and the chat list, a QR code is
// held for late joiners until the session is ready.
func CacheObserver(c *cache.Cache) broadcast.Observer {
	return func(ev session.Event) {
		switch e := ev.(type) {
		case session.MessageReceived:
			c.InvalidatePrefix(cache.MessagesPrefix(e.Message.ChatID))
			c.Invalidate(cache.KeyChats)
		case session.QR:
			c.Put(cache.KeyQR, e.Code, QRTTL)
		case session.Ready, session.Authenticated:
			c.Invalidate(cache.KeyQR)
		}
	}
}

// Start binds the listeners, starts the event fan-out and initializes the
// session. A session that fails to initialize leaves the bridge serving
// with every command answered not ready.
func (b *Bridge) Start(ctx context.Context) error {
	if b.config.ListenAddr != "" {
		ln, err := net.Listen("tcp", b.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", b.config.ListenAddr, err)
		}
		b.httpLn = ln
		b.httpSrv = &http.Server{
			Handler:           b.endpoint.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := b.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.errs <- fmt.Errorf("http server: %w", err)
			}
		}()
		b.logger.Info("http listener started", "addr", ln.Addr().String(), "ws_path", b.config.WSPath)
	}

	if b.config.TCPAddr != "" {
		ln, err := net.Listen("tcp", b.config.TCPAddr)
		if err != nil {
			if b.httpLn != nil {
				_ = b.httpSrv.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", b.config.TCPAddr, err)
		}
		b.tcpLn = ln
		go func() {
			if err := b.endpoint.ServeTCP(ln); err != nil {
				b.errs <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	b.hubCancel = cancel
	go func() {
		defer close(b.hubDone)
		b.hub.Run(hubCtx, b.session.Events())
	}()

	if err := b.session.Initialize(ctx); err != nil {
		b.logger.Error("session failed to initialize", "error", err)
	}
	return nil
}

// Run starts the bridge and blocks until ctx is cancelled or a listener
// fails, then shuts down.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("shutdown requested")
	case runErr = <-b.errs:
		b.logger.Error("listener failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Addr returns the bound HTTP address, or "" when HTTP is disabled.
func (b *Bridge) Addr() string {
	if b.httpLn == nil {
		return ""
	}
	return b.httpLn.Addr().String()
}

// TCPAddr returns the bound TCP address, or "" when TCP is disabled.
func (b *Bridge) TCPAddr() string {
	if b.tcpLn == nil {
		return ""
	}
	return b.tcpLn.Addr().String()
}

func (b *Bridge) Session() *session.Client { return b.session }

func (b *Bridge) Cache() *cache.Cache { return b.cache }

// Shutdown stops intake, closes subscriber connections, destroys the
// session and releases the rest, in that order. Each step is best effort;
// the first failure is returned.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var first error
	note := func(step string, err error) {
		if err == nil {
			return
		}
		b.logger.Error("shutdown step failed", "step", step, "error", err)
		if first == nil {
			first = fmt.Errorf("%s: %w", step, err)
		}
	}

	b.shutdownOnce.Do(func() {
		b.endpoint.StopAccepting()
		if b.httpSrv != nil {
			note("http listener", b.httpSrv.Shutdown(ctx))
		}
		if b.tcpLn != nil {
			if err := b.tcpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				note("tcp listener", err)
			}
		}

		b.endpoint.Close()

		note("session", b.session.Destroy(ctx))

		if b.hubCancel != nil {
			b.hubCancel()
			<-b.hubDone
		}
		note("cache", b.cache.Close())

		if b.cleanup != nil {
			b.cleanup()
		}
		b.logger.Info("bridge stopped")
	})
	return first
}
