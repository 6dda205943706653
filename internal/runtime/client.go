// Package runtime speaks the agent control protocol to the backend over a
// WebSocket connection: JSON-RPC requests for session lifecycle and prompts,
// JSON-RPC notifications for the per-turn update stream.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// ErrClosed is returned for calls on a connection that has shut down.
var ErrClosed = errors.New("runtime: connection closed")

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a backend-reported request failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %d: %s", e.Code, e.Message)
}

type updateNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// UpdateHandler receives one decoded session/update notification object.
type UpdateHandler func(update map[string]any)

// Client is a single WebSocket connection to the agent backend with
// request/response correlation and session-scoped update dispatch.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]chan rpcFrame
	handlers map[string]UpdateHandler // sessionID -> in-flight turn handler
	closed   bool
	done     chan struct{}

	nextID atomic.Int64
}

// Dial connects and starts the read loop. Token, when set, is sent as a
// bearer Authorization header.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial %s: %w", url, err)
	}
	conn.SetReadLimit(4 << 20) // 4MB, agent outputs can be large

	c := &Client{
		conn:     conn,
		pending:  make(map[int64]chan rpcFrame),
		handlers: make(map[string]UpdateHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.shutdown()
	ctx := context.Background()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return
			}
			slog.Debug("runtime: read loop ended", "error", err)
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("runtime: dropping malformed frame", "error", err)
			continue
		}

		switch {
		case frame.ID != 0 && frame.Method == "":
			c.resolvePending(frame)
		case frame.Method == protocol.MethodSessionUpdate:
			c.dispatchUpdate(frame.Params)
		default:
			slog.Debug("runtime: ignoring frame", "method", frame.Method)
		}
	}
}

func (c *Client) resolvePending(frame rpcFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *Client) dispatchUpdate(params json.RawMessage) {
	var note updateNotification
	if err := json.Unmarshal(params, &note); err != nil {
		slog.Warn("runtime: malformed session/update", "error", err)
		return
	}

	c.mu.Lock()
	handler := c.handlers[note.SessionID]
	c.mu.Unlock()
	if handler == nil {
		slog.Debug("runtime: update for session with no in-flight turn",
			"session_id", note.SessionID)
		return
	}

	var obj map[string]any
	if err := json.Unmarshal(note.Update, &obj); err != nil {
		slog.Warn("runtime: malformed update object", "error", err)
		return
	}
	handler(obj)
}

// Call sends a request and waits for the matching response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a request without waiting for a response.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.write(ctx, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) write(ctx context.Context, req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("runtime: marshal request: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// BindSession routes session/update notifications for sessionID to handler
// until UnbindSession. One turn per session is in flight at a time.
func (c *Client) BindSession(sessionID string, handler UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[sessionID] = handler
}

// UnbindSession removes the update handler for sessionID.
func (c *Client) UnbindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, sessionID)
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close sends a close frame and releases all waiters.
func (c *Client) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "shutting down")
	c.shutdown()
	return err
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	// Abandon pending calls; their waiters unblock via c.done.
	clear(c.pending)
}
