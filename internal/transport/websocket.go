package transport

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"ChatBridge/internal/protocol"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type wsConn struct {
	conn     *websocket.Conn
	pongWait time.Duration
	once     sync.Once
}

func newWSConn(conn *websocket.Conn, pongWait time.Duration) *wsConn {
	conn.SetReadLimit(protocol.MaxFrameSize)
	c := &wsConn{conn: conn, pongWait: pongWait}
	if pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return c
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteFrame(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (e *Endpoint) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     e.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header, which come from
// non-browser agents.
func (e *Endpoint) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(r.Header.Get("Origin"), "/")
	if origin == "" || len(e.origins) == 0 {
		return true
	}
	for _, allowed := range e.origins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (e *Endpoint) serveWS(c *gin.Context) {
	if e.closing.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	up := e.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already answered the request
		e.logger.Warn("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}
	e.serve(newWSConn(conn, 2*e.pingEvery), "websocket")
}
