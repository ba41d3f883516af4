package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// sendBuffer is the per-client outbound queue depth. A client that falls this
// far behind a broadcast is considered stalled and gets dropped.
const sendBuffer = 32

// Client is one connected WebSocket session. Outbound messages go through a
// buffered channel drained by a single writer goroutine, so the event loop
// and reader goroutines never block on a slow peer.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send serializes v and queues it for delivery. Delivery is best-effort: a
// full queue drops the message rather than blocking the caller.
func (c *Client) Send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal outbound message", "error", err)
		return
	}
	if !c.trySend(data) {
		c.log.Warn("client send queue full, dropping message")
	}
}

// trySend queues pre-serialized data without blocking.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// writeLoop drains the send queue onto the connection. It exits when the
// connection breaks, the client is shut down or ctx is cancelled.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			c.shutdown()
			return
		}
	}
}

// shutdown closes the connection once and unblocks the writer.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
}
