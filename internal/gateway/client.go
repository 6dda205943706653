package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

const (
	// maxFrameSize caps inbound control-plane frames.
	maxFrameSize = 1 << 20 // 1 MB

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second

	// sendQueueSize is the per-client outbound buffer. Events beyond it are
	// dropped rather than blocking the broadcaster on a slow client.
	sendQueueSize = 64
)

// Client is one WebSocket control-plane connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// authed is written and read only by the readLoop goroutine.
	authed bool
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, server *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the server-assigned connection ID.
func (c *Client) ID() string { return c.id }

// Run services the connection until it closes or ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
}

// Close tears the connection down. Safe to call multiple times.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// SendEvent queues an event frame for delivery. Events are dropped with a
// warning when the client cannot keep up.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal event frame", "event", event.Event, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) sendResponse(resp *protocol.ResponseFrame) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("marshal response frame", "id", resp.ID, "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("client send queue full, dropping frame", "client", c.id)
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read error", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrBadParams, "malformed frame"))
			continue
		}

		if !c.server.rateLimiter.Allow(c.id) {
			c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "rate limit exceeded"))
			continue
		}

		c.sendResponse(c.server.router.Dispatch(ctx, c, &req))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
