package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fruitsalade/orchard/internal/logging"
)

// conn wraps one websocket connection with a buffered outgoing queue.
// All writes go through the write pump so protocol replies and
// broadcasts never interleave on the wire.
type conn struct {
	ws           *websocket.Conn
	out          chan []byte
	pingInterval time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

const outBufferSize = 64

func newConn(ws *websocket.Conn, pingInterval, writeTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		out:          make(chan []byte, outBufferSize),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send queues a message for delivery. Non-blocking: returns false if
// the connection is closed or the queue is full (slow consumer).
func (c *conn) Send(message []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- message:
		return true
	default:
		return false
	}
}

// CloseSend stops the write pump and closes the websocket.
func (c *conn) CloseSend() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// writePump serializes all writes to the websocket and keeps the
// connection alive with periodic pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.closed:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Debug("write failed", zap.Error(err))
				c.CloseSend()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseSend()
				return
			}
		}
	}
}
