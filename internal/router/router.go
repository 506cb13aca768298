package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ChatBridge/internal/cache"
	"ChatBridge/internal/protocol"
	"ChatBridge/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultTimeout bounds a command when no other budget applies.
const DefaultTimeout = 30 * time.Second

// DefaultCacheTTL applies to cached listings when Options leaves it unset.
const DefaultCacheTTL = 5 * time.Minute

// Session is the part of the session client the router drives.
type Session interface {
	IsReady() bool
	ListContacts(ctx context.Context) ([]session.Contact, error)
	ListChats(ctx context.Context) ([]session.Chat, error)
	FetchHistory(ctx context.Context, chatID string, limit int) ([]session.Message, error)
	SendText(ctx context.Context, chatID, text string) (session.Message, error)
	SendPayload(ctx context.Context, p session.Payload) (session.Message, error)
}

// Options configures a Router
type Options struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	Cache    *cache.Cache // nil disables caching
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
}

type handler struct {
	required []string
	// anyState lets the command run before the session is ready
	anyState bool
	// timeout overrides the default budget when it returns a positive value
	timeout func(data json.RawMessage) time.Duration
	run     func(ctx context.Context, data json.RawMessage) (any, error)
}

// Router validates commands, checks readiness and dispatches to the
// session with a bounded time budget.
type Router struct {
	session  Session
	cache    *cache.Cache
	timeout  time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	handlers map[string]handler

	commands metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a router over the given session
func New(s Session, opts Options) *Router {
	r := &Router{
		session: s,
		cache:   opts.Cache,
		timeout: opts.Timeout,
		ttl:     opts.CacheTTL,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.ttl <= 0 {
		r.ttl = DefaultCacheTTL
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = tracenoop.NewTracerProvider().Tracer("router")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("router")
	}

	var err error
	r.commands, err = meter.Int64Counter(
		"bridge.commands",
		metric.WithDescription("Commands handled, by command and outcome"),
	)
	if err != nil {
		r.logger.Warn("failed to create command counter", "error", err)
		r.commands, _ = metricnoop.NewMeterProvider().Meter("router").Int64Counter("bridge.commands")
	}
	r.duration, err = meter.Float64Histogram(
		"bridge.command.duration",
		metric.WithDescription("Command duration in milliseconds"),
	)
	if err != nil {
		r.logger.Warn("failed to create command histogram", "error", err)
		r.duration, _ = metricnoop.NewMeterProvider().Meter("router").Float64Histogram("bridge.command.duration")
	}

	r.handlers = map[string]handler{
		"getContacts":     {run: r.getContacts},
		"getChats":        {run: r.getChats},
		"getChatMessages": {required: []string{"chatId"}, run: r.getChatMessages},
		"sendMessage":     {required: []string{"chatId", "content"}, run: r.sendMessage},
		"sendMedia":       {required: []string{"chatId", "media", "filename"}, timeout: mediaTimeout, run: r.sendMedia},
		"searchMessages":  {required: []string{"query"}, run: r.searchMessages},
		"getQRCode":       {anyState: true, run: r.getQRCode},
	}
	return r
}

// Commands lists the registered command names
func (r *Router) Commands() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle runs one command and returns exactly one Response or Error frame
// carrying the command's id.
func (r *Router) Handle(ctx context.Context, cmd protocol.Command) protocol.Outbound {
	start := time.Now()

	label := cmd.Command
	if _, ok := r.handlers[label]; !ok {
		label = "unknown"
	}

	ctx, span := r.tracer.Start(ctx, "command."+label,
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID),
			attribute.String("command.name", cmd.Command),
		),
	)
	defer span.End()

	out := r.dispatch(ctx, cmd)

	outcome := "ok"
	if out.Type == protocol.TypeError {
		outcome = string(out.Code)
		span.SetStatus(codes.Error, out.Error)
	}
	elapsed := time.Since(start)
	attrs := metric.WithAttributes(
		attribute.String("command", label),
		attribute.String("outcome", outcome),
	)
	r.commands.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	if out.Type == protocol.TypeError {
		r.logger.Warn("command failed", "id", cmd.ID, "command", cmd.Command, "code", string(out.Code), "error", out.Error, "duration_ms", elapsed.Milliseconds())
	} else {
		r.logger.Info("command handled", "id", cmd.ID, "command", cmd.Command, "duration_ms", elapsed.Milliseconds())
	}
	return out
}

func (r *Router) dispatch(ctx context.Context, cmd protocol.Command) protocol.Outbound {
	h, ok := r.handlers[cmd.Command]
	if !ok {
		return protocol.ErrorFrom(cmd.ID, fmt.Errorf("%w: unknown command: %s (known: %s)",
			protocol.ErrBadRequest, cmd.Command, strings.Join(r.Commands(), ", ")))
	}

	if err := checkRequired(cmd.Data, h.required); err != nil {
		return protocol.ErrorFrom(cmd.ID, err)
	}

	if !h.anyState && !r.session.IsReady() {
		return protocol.ErrorFrom(cmd.ID, fmt.Errorf("%w: WhatsApp client not ready", session.ErrNotReady))
	}

	timeout := r.timeout
	if h.timeout != nil {
		if t := h.timeout(cmd.Data); t > 0 {
			timeout = t
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("command handler panicked", "command", cmd.Command, "panic", p)
				done <- result{err: fmt.Errorf("%w: %s panicked: %v", session.ErrUpstream, cmd.Command, p)}
			}
		}()
		data, err := h.run(ctx, cmd.Data)
		done <- result{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return protocol.ErrorFrom(cmd.ID, res.err)
		}
		return protocol.NewResponse(cmd.ID, cmd.Command, res.data)
	case <-ctx.Done():
		return protocol.ErrorFrom(cmd.ID, fmt.Errorf("%w: %s did not complete within %v", protocol.ErrTimeout, cmd.Command, timeout))
	}
}

// checkRequired rejects data that is not an object or lacks a required
// field. Null and empty strings count as missing.
func checkRequired(data json.RawMessage, required []string) error {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("%w: data must be an object", protocol.ErrBadRequest)
		}
	}
	for _, name := range required {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" || string(raw) == `""` {
			return fmt.Errorf("%w: missing required field: %s", protocol.ErrBadRequest, name)
		}
	}
	return nil
}

// decodeData unmarshals command data into v; absent data leaves v zero.
func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%w: field %s has the wrong type", protocol.ErrBadRequest, typeErr.Field)
		}
		return fmt.Errorf("%w: %v", protocol.ErrBadRequest, err)
	}
	return nil
}

// readThrough serves key from the cache or fetches and stores it.
func readThrough[T any](r *Router, key string, fetch func() (T, error)) (T, error) {
	if r.cache != nil {
		if v, ok := cache.Lookup[T](r.cache, key); ok {
			return v, nil
		}
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	if r.cache != nil {
		r.cache.Put(key, v, r.ttl)
	}
	return v, nil
}

// invalidateChat drops what a send to chatID makes stale.
func (r *Router) invalidateChat(chatID string) {
	if r.cache == nil {
		return
	}
	r.cache.InvalidatePrefix(cache.MessagesPrefix(chatID))
	r.cache.Invalidate(cache.KeyChats)
}
