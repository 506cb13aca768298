package upstream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketTransport carries one JSON-RPC message per text frame.
type websocketTransport struct {
	url    string
	conn   *websocket.Conn
	logger *slog.Logger
	mux    *mux
	mu     sync.Mutex
}

// NewWebSocketClient connects to a sidecar listening on a WebSocket URL
func NewWebSocketClient(url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	conn.SetReadLimit(maxLineSize)

	t := &websocketTransport{
		url:    url,
		conn:   conn,
		logger: logger,
	}
	t.mux = newMux("websocket", t.writeFrame, logger)

	go t.readLoop()

	logger.Info("created upstream WebSocket client", "url", url)
	return &Client{
		name:   "websocket",
		rpc:    t.mux,
		events: t.mux.events,
		closer: t.close,
		logger: logger,
	}, nil
}

func (t *websocketTransport) writeFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			t.mux.shutdown(err)
			return
		}
		t.mux.handle(data)
	}
}

func (t *websocketTransport) close() error {
	t.mux.halt()

	// Send close message
	t.mu.Lock()
	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.mu.Unlock()
	if err != nil {
		t.logger.Debug("failed to send close message", "error", err)
	}

	return t.conn.Close()
}
