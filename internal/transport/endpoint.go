package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ChatBridge/internal/broadcast"
	"ChatBridge/internal/cache"
	"ChatBridge/internal/protocol"
	"ChatBridge/internal/session"
	"ChatBridge/internal/telemetry"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPingInterval paces websocket liveness pings.
const DefaultPingInterval = 30 * time.Second

// DefaultQueueSize bounds the outbound frames buffered per subscriber.
const DefaultQueueSize = 64

var errShuttingDown = fmt.Errorf("%w: bridge is shutting down", session.ErrNotReady)

// Handler answers one correlated command.
type Handler interface {
	Handle(ctx context.Context, cmd protocol.Command) protocol.Outbound
}

// Registry tracks which subscribers receive events.
type Registry interface {
	Register(s broadcast.Subscriber)
	Unregister(id string)
}

// Status reports the session state for greetings and /ready.
type Status interface {
	State() session.State
	IsReady() bool
}

// Options configures an Endpoint
type Options struct {
	Handler   Handler
	Registry  Registry
	Status    Status
	Cache     *cache.Cache // pending QR code for late joiners and stats for /ready; may be nil
	WSPath    string
	Origins   []string
	QueueSize int
	// PingInterval paces websocket pings; a peer silent for twice this long
	// is dropped.
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Endpoint accepts subscriber connections over websocket and TCP and
// turns their frames into router calls.
type Endpoint struct {
	handler   Handler
	registry  Registry
	status    Status
	cache     *cache.Cache
	origins   []string
	queue     int
	pingEvery time.Duration
	logger    *slog.Logger
	engine    *gin.Engine

	closing atomic.Bool
	mu      sync.Mutex
	subs    map[string]*subscriber
}

func New(opts Options) *Endpoint {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WSPath == "" {
		opts.WSPath = "/ws"
	}

	e := &Endpoint{
		handler:   opts.Handler,
		registry:  opts.Registry,
		status:    opts.Status,
		cache:     opts.Cache,
		origins:   opts.Origins,
		queue:     opts.QueueSize,
		pingEvery: opts.PingInterval,
		logger:    opts.Logger,
		subs:      make(map[string]*subscriber),
	}
	e.engine = e.routes(opts.WSPath)
	return e
}

func (e *Endpoint) routes(wsPath string) *gin.Engine {
	telemetry.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.RequestLogger(e.logger))
	r.Use(telemetry.RequestMetricsMiddleware())

	corsCfg := cors.Config{
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(e.origins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = e.origins
	}
	r.Use(cors.New(corsCfg))

	r.GET(wsPath, e.serveWS)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", e.ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Handler returns the HTTP surface: the websocket path plus /health,
// /ready and /metrics.
func (e *Endpoint) Handler() http.Handler { return e.engine }

func (e *Endpoint) ready(c *gin.Context) {
	state := session.StateUninitialized
	ready := false
	if e.status != nil {
		state = e.status.State()
		ready = e.status.IsReady()
	}
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	body := gin.H{
		"state":       state.String(),
		"ready":       ready,
		"subscribers": e.Count(),
	}
	if e.cache != nil {
		body["cache"] = e.cache.Stats()
	}
	c.JSON(code, body)
}

// Count returns the number of open connections
func (e *Endpoint) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// StopAccepting makes the endpoint answer new commands with an error and
// turn away new connections. Open connections stay up.
func (e *Endpoint) StopAccepting() {
	e.closing.Store(true)
}

// Close refuses new frames and closes every open connection. Responses
// still in flight are dropped.
func (e *Endpoint) Close() {
	e.StopAccepting()

	e.mu.Lock()
	subs := make([]*subscriber, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	e.logger.Info("transport closed", "connections", len(subs))
}

// serve runs the read loop of one connection until it closes.
func (e *Endpoint) serve(conn frameConn, transport string) {
	sub := newSubscriber(transport, conn, e.queue, e.logger)

	e.mu.Lock()
	e.subs[sub.id] = sub
	e.mu.Unlock()
	if e.registry != nil {
		e.registry.Register(sub)
	}
	telemetry.SubscriberOpened(transport)
	sub.logger.Info("subscriber connected")

	defer func() {
		if e.registry != nil {
			e.registry.Unregister(sub.id)
		}
		e.mu.Lock()
		delete(e.subs, sub.id)
		e.mu.Unlock()
		sub.close()
		telemetry.SubscriberClosed(transport)
		sub.logger.Info("subscriber disconnected")
	}()

	go sub.writeLoop(e.pingIntervalFor(transport))
	e.greet(sub)

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			sub.logger.Debug("read loop ended", "error", err)
			return
		}

		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			telemetry.RecordFrame(transport, "in", "invalid")
			sub.logger.Warn("malformed frame", "error", err)
			sub.deliver(protocol.NewError("", protocol.KindProtocol, err.Error()))
			continue
		}
		telemetry.RecordFrame(transport, "in", protocol.TypeCommand)

		if e.closing.Load() {
			sub.deliver(protocol.ErrorFrom(cmd.ID, errShuttingDown))
			continue
		}
		if e.handler == nil {
			sub.deliver(protocol.ErrorFrom(cmd.ID, fmt.Errorf("%w: no command handler", session.ErrNotReady)))
			continue
		}

		// a closed connection does not cancel work already requested
		go func(cmd protocol.Command) {
			sub.deliver(e.handler.Handle(context.Background(), cmd))
		}(cmd)
	}
}

func (e *Endpoint) pingIntervalFor(transport string) time.Duration {
	if transport == "websocket" {
		return e.pingEvery
	}
	return 0
}

// greet brings a late joiner up to date: a synthetic ready when the
// session is usable, or the pending QR code while it awaits pairing. It runs
// after registration so no transition is missed.
func (e *Endpoint) greet(sub *subscriber) {
	if e.status == nil {
		return
	}
	switch e.status.State() {
	case session.StateReady:
		sub.greet(broadcast.Frame(session.Ready{}))
	case session.StateAwaitingAuth:
		if e.cache == nil {
			return
		}
		if code, ok := cache.Lookup[string](e.cache, cache.KeyQR); ok {
			sub.greet(broadcast.Frame(session.QR{Code: code}))
		}
	}
}
