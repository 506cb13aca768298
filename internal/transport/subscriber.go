package transport

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"ChatBridge/internal/protocol"
	"ChatBridge/internal/telemetry"

	"github.com/google/uuid"
)

// frameConn moves whole frames over one subscriber connection.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	// Ping checks liveness; a transport without pings returns nil.
	Ping() error
	Close() error
}

// subscriber is one live connection. The write loop is the only writer
// on the underlying connection.
type subscriber struct {
	id        string
	transport string
	conn      frameConn
	out       chan protocol.Outbound
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	// greeting holds the catch-up frame until the hub queues its first
	// event; events counts what the hub has queued.
	greetMu  sync.Mutex
	greeting *protocol.Outbound
	events   int
}

func newSubscriber(transport string, conn frameConn, queue int, logger *slog.Logger) *subscriber {
	id := uuid.NewString()
	return &subscriber{
		id:        id,
		transport: transport,
		conn:      conn,
		out:       make(chan protocol.Outbound, queue),
		done:      make(chan struct{}),
		logger:    logger.With("subscriber", id, "transport", transport),
	}
}

func (s *subscriber) ID() string { return s.id }

// Enqueue offers an event frame without blocking. The hub repeating the
// catch-up frame is swallowed.
func (s *subscriber) Enqueue(out protocol.Outbound) bool {
	s.greetMu.Lock()
	defer s.greetMu.Unlock()
	if g := s.greeting; g != nil {
		s.greeting = nil
		if g.Event == out.Event && reflect.DeepEqual(g.Data, out.Data) {
			return true
		}
	}
	s.events++
	return s.offer(out)
}

// greet queues a catch-up frame unless the hub already delivered an event,
// which is at least as recent.
func (s *subscriber) greet(out protocol.Outbound) {
	s.greetMu.Lock()
	defer s.greetMu.Unlock()
	if s.events > 0 {
		return
	}
	if s.offer(out) {
		s.greeting = &out
	}
}

func (s *subscriber) offer(out protocol.Outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- out:
		return true
	default:
		telemetry.RecordDroppedEvent(s.transport)
		return false
	}
}

// deliver queues a correlated frame, waiting for room until the
// connection goes away. It reports whether the frame was queued.
func (s *subscriber) deliver(out protocol.Outbound) bool {
	select {
	case <-s.done:
		s.logger.Debug("connection closed, response dropped", "id", out.ID)
		return false
	default:
	}
	select {
	case s.out <- out:
		return true
	case <-s.done:
		s.logger.Debug("connection closed, response dropped", "id", out.ID)
		return false
	}
}

func (s *subscriber) writeLoop(pingEvery time.Duration) {
	var tick <-chan time.Time
	if pingEvery > 0 {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case out := <-s.out:
			data, err := s.encode(out)
			if err != nil {
				s.logger.Error("failed to encode frame", "type", out.Type, "id", out.ID, "error", err)
				continue
			}
			if err := s.conn.WriteFrame(data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.close()
				return
			}
			telemetry.RecordFrame(s.transport, "out", out.Type)
		case <-tick:
			if err := s.conn.Ping(); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// encode renders a frame. A correlated frame that cannot be rendered is
// answered with an error carrying the same id instead.
func (s *subscriber) encode(out protocol.Outbound) ([]byte, error) {
	data, err := protocol.Encode(out)
	if err == nil || out.ID == "" {
		return data, err
	}
	s.logger.Error("failed to encode frame, answering with an error", "type", out.Type, "id", out.ID, "error", err)
	return protocol.Encode(protocol.NewError(out.ID, protocol.KindUpstream, "response could not be encoded: "+err.Error()))
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close failed", "error", err)
		}
	})
}
