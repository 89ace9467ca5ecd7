package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/gorilla/websocket"
)

var ErrBackpressure = errors.New("backpressure")

var errConnClosed = errors.New("connection closed")

var _ core.SignalConnection = (*wsConn)(nil)

// wsConn is one physical socket plus its outbound queue. A reconnect
// creates a new wsConn; the old one is never reused.
type wsConn struct {
	conn   *websocket.Conn
	send   chan core.Frame
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

func newWSConn(conn *websocket.Conn, queue int) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:   conn,
		send:   make(chan core.Frame, queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = c.conn.Close()
}
