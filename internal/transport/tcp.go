package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"ChatBridge/internal/protocol"
)

// tcpConn frames JSON objects one per line.
type tcpConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	once    sync.Once
}

func newTCPConn(conn net.Conn) *tcpConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize)
	return &tcpConn{conn: conn, scanner: scanner}
}

func (c *tcpConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}

func (c *tcpConn) WriteFrame(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

// Ping is a no-op; TCP keepalive reaps dead peers.
func (c *tcpConn) Ping() error { return nil }

func (c *tcpConn) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}

// ServeTCP accepts newline-delimited subscribers until ln is closed.
func (e *Endpoint) ServeTCP(ln net.Listener) error {
	e.logger.Info("tcp listener started", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || e.closing.Load() {
				return nil
			}
			return err
		}
		if e.closing.Load() {
			_ = conn.Close()
			continue
		}
		go e.serve(newTCPConn(conn), "tcp")
	}
}
