package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/igefined/orderbook-relay/internal/registry"
)

var ErrConnClosed = errors.New("server: connection closed")

// Conn is one client WebSocket. gorilla/websocket allows a single writer at
// a time, so every data frame goes through writeMu.
type Conn struct {
	id           registry.ConnectionID
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           registry.NewConnectionID(),
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() registry.ConnectionID {
	return c.id
}

// Send writes one text frame. It fails fast once the connection is closed.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame and releases the socket. Safe to call more than
// once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
