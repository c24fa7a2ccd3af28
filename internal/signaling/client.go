package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peermesh/peermesh/internal/metrics"
)

const wsWriteWait = 1 * time.Second

// wsClient owns the write side of one websocket connection. All writes go
// through the buffered send queue so no caller ever blocks on a slow peer;
// the write pump is the connection's only writer.
type wsClient struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
	m    *metrics.Metrics

	pingInterval time.Duration

	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(id string, conn *websocket.Conn, queueDepth int, pingInterval time.Duration, m *metrics.Metrics, log *slog.Logger) *wsClient {
	return &wsClient{
		id:           id,
		conn:         conn,
		log:          log,
		m:            m,
		pingInterval: pingInterval,
		send:         make(chan []byte, queueDepth),
		closed:       make(chan struct{}),
	}
}

// TrySend queues one outbound event. It never blocks: when the queue is full
// the connection is torn down, because a member that cannot keep up with
// roster updates would otherwise hold a permanently stale view.
func (c *wsClient) TrySend(event string, payload any) bool {
	msg, err := encodeOutbound(event, payload)
	if err != nil {
		c.log.Error("unencodable outbound event", "conn", c.id, "event", event, "err", err)
		return false
	}
	return c.trySendMessage(msg)
}

func (c *wsClient) trySendMessage(msg serverMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal outbound message", "conn", c.id, "err", err)
		return false
	}

	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.m.Inc(metrics.DropSlowConsumer)
		c.log.Warn("send queue full, dropping connection", "conn", c.id)
		c.close()
		return false
	}
}

// sendError reports a non-fatal protocol error back to this connection only.
func (c *wsClient) sendError(code, message string) {
	c.trySendMessage(errorMessage(code, message))
}

// writePump drains the send queue and keeps the connection alive with pings.
// It exits when the queue closes via close() or a write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close shuts the connection down once; safe from any goroutine.
func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// closeWith sends a close frame with a reason before tearing down, used for
// policy violations where the client should learn why.
func (c *wsClient) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.close()
}
