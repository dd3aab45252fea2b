package websocket

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Read deadline backstop. The hub's heartbeat sweep is the primary
	// liveness check; this only catches a peer that stops reading pings.
	pongWait = 60 * time.Second

	// Outbound buffer per connection. A consumer that stays this far
	// behind starts losing frames until it catches up.
	sendBuffer = 256
)

// inboundMessage is the grammar clients speak: subscribe, unsubscribe,
// and ping. Anything else is answered with an error frame.
type inboundMessage struct {
	Type   string            `json:"type"`
	Topic  string            `json:"topic,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

type ackFrame struct {
	Type         string    `json:"type"`
	Subscribed   string    `json:"subscribed,omitempty"`
	Unsubscribed string    `json:"unsubscribed,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type errorFrame struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Client is one WebSocket connection scoped to a project.
type Client struct {
	id          string
	projectID   string
	conn        *gorillaws.Conn
	hub         *Hub
	send        chan []byte
	done        chan struct{}
	alive       atomic.Bool
	connectedAt time.Time
	logger      *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id, projectID string, conn *gorillaws.Conn, hub *Hub, log *logger.Logger) *Client {
	c := &Client{
		id:          id,
		projectID:   projectID,
		conn:        conn,
		hub:         hub,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now().UTC(),
		logger:      log.WithConnectionID(id).WithProjectID(projectID),
	}
	c.alive.Store(true)
	return c
}

// ReadPump consumes inbound frames until the connection dies, then
// unregisters the client. Runs on the upgrade handler's goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		close(c.done)
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.alive.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure, gorillaws.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}
		metrics.WSMessagesTotal.WithLabelValues("inbound").Inc()
		c.handleMessage(raw)
	}
}

// handleMessage dispatches one inbound frame. Parse and protocol errors
// are answered on the stream; they never close the connection.
func (c *Client) handleMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch msg.Type {
	case "subscribe":
		if err := c.hub.subs.Subscribe(c.id, msg.Topic, msg.Filter); err != nil {
			c.sendError(err.Error())
			return
		}
		c.logger.Debug("subscribed",
			zap.String("topic", msg.Topic),
			zap.Int("filter_keys", len(msg.Filter)))
		c.sendFrame(ackFrame{Type: "ack", Subscribed: msg.Topic, Timestamp: time.Now().UTC()})

	case "unsubscribe":
		if err := c.hub.subs.Unsubscribe(c.id, msg.Topic); err != nil {
			c.sendError(err.Error())
			return
		}
		c.logger.Debug("unsubscribed", zap.String("topic", msg.Topic))
		c.sendFrame(ackFrame{Type: "ack", Unsubscribed: msg.Topic, Timestamp: time.Now().UTC()})

	case "ping":
		c.sendFrame(pongFrame{Type: "pong", Timestamp: time.Now().UTC()})

	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

// sendFrame marshals and enqueues a reply frame.
func (c *Client) sendFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(message string) {
	c.sendFrame(errorFrame{Type: "error", Error: message, Timestamp: time.Now().UTC()})
}

// enqueue hands pre-encoded bytes to the write pump. A full buffer drops
// the frame; the heartbeat sweep reaps consumers that never catch up.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
		metrics.WSMessagesTotal.WithLabelValues("outbound").Inc()
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

// WritePump writes queued frames to the connection until the hub closes
// the send channel or a write fails.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
			return
		}
	}
	// Hub closed the channel.
	c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
}
