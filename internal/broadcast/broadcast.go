package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"ChatBridge/internal/protocol"
	"ChatBridge/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

// Subscriber is a connection able to take outbound frames.
type Subscriber interface {
	ID() string
	// Enqueue must not block; false means the frame was not accepted.
	Enqueue(out protocol.Outbound) bool
}

// Observer sees every session event before it is fanned out.
type Observer func(ev session.Event)

// Broadcaster is the sole reader of the session event stream. It copies
// each event to every registered subscriber in emission order.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]Subscriber
	observers []Observer
	logger    *slog.Logger

	events  metric.Int64Counter
	dropped metric.Int64Counter
}

// New creates a broadcaster. meter may be nil.
func New(logger *slog.Logger, meter metric.Meter) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("broadcast")
	}
	b := &Broadcaster{
		subs:   make(map[string]Subscriber),
		logger: logger,
	}

	var err error
	b.events, err = meter.Int64Counter("bridge.events",
		metric.WithDescription("Session events fanned out, by event name"))
	if err != nil {
		logger.Warn("failed to create events counter", "error", err)
		b.events, _ = metricnoop.NewMeterProvider().Meter("broadcast").Int64Counter("bridge.events")
	}
	b.dropped, err = meter.Int64Counter("bridge.events.dropped",
		metric.WithDescription("Event deliveries skipped because a subscriber queue was full"))
	if err != nil {
		logger.Warn("failed to create dropped counter", "error", err)
		b.dropped, _ = metricnoop.NewMeterProvider().Meter("broadcast").Int64Counter("bridge.events.dropped")
	}
	return b
}

// Observe adds an observer. Observers are not removed.
func (b *Broadcaster) Observe(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Register adds a subscriber; it receives events from now on.
func (b *Broadcaster) Register(s Subscriber) {
	b.mu.Lock()
	b.subs[s.ID()] = s
	n := len(b.subs)
	b.mu.Unlock()
	b.logger.Info("subscriber registered", "subscriber", s.ID(), "subscribers", n)
}

// Unregister removes a subscriber. Unknown ids are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()
	if ok {
		b.logger.Info("subscriber unregistered", "subscriber", id, "subscribers", n)
	}
}

// Count returns the number of registered subscribers
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Run consumes events until the stream closes or ctx is done.
func (b *Broadcaster) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				b.logger.Info("session event stream closed")
				return
			}
			b.Publish(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

// Publish delivers one event to every subscriber and returns how many
// accepted it. A subscriber with a full queue misses this event only.
func (b *Broadcaster) Publish(ctx context.Context, ev session.Event) int {
	b.mu.RLock()
	observers := b.observers
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, o := range observers {
		o(ev)
	}

	frame := Frame(ev)
	attrs := metric.WithAttributes(attribute.String("event", ev.Name()))
	b.events.Add(ctx, 1, attrs)

	delivered := 0
	for _, s := range subs {
		if s.Enqueue(frame) {
			delivered++
			continue
		}
		b.dropped.Add(ctx, 1, attrs)
		b.logger.Warn("subscriber queue full, event skipped", "subscriber", s.ID(), "event", ev.Name())
	}
	b.logger.Debug("event published", "event", ev.Name(), "delivered", delivered, "subscribers", len(subs))
	return delivered
}

// Frame renders a session event as an outbound event frame.
func Frame(ev session.Event) protocol.Outbound {
	switch e := ev.(type) {
	case session.QR:
		return protocol.NewEvent(e.Name(), map[string]any{"qr": e.Code})
	case session.AuthFailure:
		return protocol.NewEvent(e.Name(), map[string]any{"message": e.Message})
	case session.Disconnected:
		return protocol.NewEvent(e.Name(), map[string]any{"reason": e.Reason})
	case session.MessageReceived:
		return protocol.NewEvent(e.Name(), map[string]any{"message": e.Message})
	}
	return protocol.NewEvent(ev.Name(), nil)
}
