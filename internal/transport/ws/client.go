package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/arklim/social-platform-rtc/internal/core/domain"
)

// client is one live websocket connection. Outbound frames flow through the
// buffered send channel so slow readers never block a broadcast; a full buffer
// drops the frame for that connection only.
type client struct {
	id       string
	identity domain.Identity
	conn     *websocket.Conn
	send     chan []byte
	logger   *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, identity domain.Identity, conn *websocket.Conn, sendBuffer int, logger *zap.Logger) *client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking. Returns false when
// the buffer is full and the frame was dropped.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn("send buffer full, dropping frame",
			zap.String("conn_id", c.id),
			zap.String("user_id", c.identity.UserID),
		)
		return false
	}
}

// sendEvent marshals and enqueues a server event.
func (c *client) sendEvent(eventType string, data any, at time.Time) bool {
	frame, err := json.Marshal(serverEvent{Type: eventType, Data: data, Timestamp: at})
	if err != nil {
		c.logger.Error("marshal outbound event failed",
			zap.String("type", eventType),
			zap.Error(err),
		)
		return false
	}
	return c.enqueue(frame)
}

// sendError reports a structured failure to this connection only.
func (c *client) sendError(code, message string, at time.Time) {
	c.sendEvent(EventError, errorPayload{Code: code, Message: message}, at)
}

// writePump drains the send channel onto the socket until the connection or
// context ends. Runs in its own goroutine per connection, preserving
// per-connection ordering.
func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				c.logger.Debug("websocket write failed",
					zap.String("conn_id", c.id),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// shutdown stops the write pump. Safe to call more than once.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
