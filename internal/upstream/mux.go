package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const eventBuffer = 64

// mux correlates responses to pending requests by id and turns
// notifications into Events. The transport's reader goroutine owns
// handle and shutdown; exchange may be called from any goroutine.
type mux struct {
	name   string
	write  func([]byte) error
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan JSONRPCResponse
	closed  bool

	events   chan Event
	stop     chan struct{}
	stopOnce sync.Once
}

func newMux(name string, write func([]byte) error, logger *slog.Logger) *mux {
	return &mux{
		name:    name,
		write:   write,
		logger:  logger,
		pending: make(map[string]chan JSONRPCResponse),
		events:  make(chan Event, eventBuffer),
		stop:    make(chan struct{}),
	}
}

func (m *mux) exchange(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	requestJSON, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	ch := make(chan JSONRPCResponse, 1)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return JSONRPCResponse{}, ErrClosed
	}
	m.pending[req.ID] = ch
	m.mu.Unlock()

	if err := m.write(requestJSON); err != nil {
		m.forget(req.ID)
		return JSONRPCResponse{}, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return JSONRPCResponse{}, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		m.forget(req.ID)
		return JSONRPCResponse{}, ctx.Err()
	}
}

func (m *mux) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// handle routes one inbound frame.
func (m *mux) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("dropping malformed upstream frame", "transport", m.name, "error", err)
		return
	}

	if env.ID == nil {
		if env.Method != MethodEvent {
			m.logger.Debug("ignoring upstream notification", "transport", m.name, "method", env.Method)
			return
		}
		ev, err := decodeEvent(env.Params)
		if err != nil {
			m.logger.Warn("dropping malformed upstream event", "transport", m.name, "error", err)
			return
		}
		m.emit(ev)
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[*env.ID]
	delete(m.pending, *env.ID)
	m.mu.Unlock()
	if !ok {
		m.logger.Warn("response for unknown request", "transport", m.name, "id", *env.ID)
		return
	}
	ch <- JSONRPCResponse{JSONRPC: env.JSONRPC, ID: *env.ID, Result: env.Result, Error: env.Error}
}

func (m *mux) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

// halt unblocks a reader stuck on a full event buffer during Close.
func (m *mux) halt() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// shutdown fails every pending call, reports the loss as a disconnect and
// closes the event stream. Only the reader calls it, once, on exit.
func (m *mux) shutdown(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.mu.Unlock()

	reason := "upstream transport closed"
	if cause != nil {
		reason = fmt.Sprintf("upstream transport closed: %v", cause)
	}
	m.emit(Event{Type: EventDisconnected, Reason: reason})
	close(m.events)
}

func decodeEvent(raw json.RawMessage) (Event, error) {
	var params eventParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Event{}, err
	}
	if params.Type == "" {
		return Event{}, fmt.Errorf("event without type")
	}

	ev := Event{Type: params.Type, QR: params.QR, Reason: params.Reason}
	if len(params.Message) == 0 || string(params.Message) == "null" {
		return ev, nil
	}

	// auth_failure carries its message as a plain string
	if params.Type == EventAuthFailure {
		var text string
		if err := json.Unmarshal(params.Message, &text); err == nil {
			if ev.Reason == "" {
				ev.Reason = text
			}
			return ev, nil
		}
	}

	var msg Message
	if err := json.Unmarshal(params.Message, &msg); err != nil {
		return Event{}, fmt.Errorf("bad message payload: %w", err)
	}
	ev.Message = &msg
	return ev, nil
}
