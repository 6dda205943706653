package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// MethodHandler serves one control-plane method.
type MethodHandler func(ctx context.Context, c *Client, params json.RawMessage) (interface{}, error)

// methodError carries a protocol error code back through the handler return.
type methodError struct {
	code    string
	message string
}

func (e *methodError) Error() string { return e.message }

func rpcErr(code, format string, args ...interface{}) error {
	return &methodError{code: code, message: fmt.Sprintf(format, args...)}
}

// MethodRouter dispatches request frames to method handlers.
type MethodRouter struct {
	server   *Server
	handlers map[string]MethodHandler
}

// NewMethodRouter registers the gateway's method surface.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]MethodHandler),
	}

	r.handlers[protocol.MethodHealth] = r.handleHealth
	r.handlers[protocol.MethodStatus] = r.handleStatus
	r.handlers[protocol.MethodSessionsList] = r.handleSessionsList
	r.handlers[protocol.MethodSessionsDelete] = r.handleSessionsDelete
	r.handlers[protocol.MethodConfigGet] = r.handleConfigGet
	r.handlers[protocol.MethodChannelsStatus] = r.handleChannelsStatus
	r.handlers[protocol.MethodCronList] = r.handleCronList
	r.handlers[protocol.MethodSend] = r.handleSend

	return r
}

// Dispatch runs the requested method and builds the response frame. Connect
// is handled inline; every other method requires auth when a gateway token
// is configured.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if req.Method == protocol.MethodConnect {
		return r.handleConnect(c, req)
	}

	if r.server.cfg.Gateway.Token != "" && !c.authed {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect with a valid token first")
	}

	handler, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method)
	}

	payload, err := handler(ctx, c, req.Params)
	if err != nil {
		var me *methodError
		if errors.As(err, &me) {
			return protocol.NewErrorResponse(req.ID, me.code, me.message)
		}
		slog.Error("method handler failed", "method", req.Method, "error", err)
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewResponse(req.ID, payload)
}

func (r *MethodRouter) handleConnect(c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Token string `json:"token"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrBadParams, "malformed connect params")
		}
	}

	if token := r.server.cfg.Gateway.Token; token != "" && params.Token != token {
		slog.Warn("client connect rejected", "client", c.id)
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token")
	}

	c.authed = true
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"agent_id": r.server.cfg.AgentID(),
	})
}

func (r *MethodRouter) handleHealth(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"status":     "ok",
		"protocol":   protocol.ProtocolVersion,
		"uptime_sec": int(time.Since(r.server.started).Seconds()),
	}, nil
}

func (r *MethodRouter) handleStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	r.server.mu.RLock()
	clients := len(r.server.clients)
	r.server.mu.RUnlock()

	status := map[string]interface{}{
		"agent_id": r.server.cfg.AgentID(),
		"clients":  clients,
	}
	if r.server.channels != nil {
		status["channels"] = r.server.channels.GetStatus()
	}
	return status, nil
}

func (r *MethodRouter) handleSessionsList(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if r.server.sessions == nil {
		return nil, rpcErr(protocol.ErrInternal, "session store not configured")
	}

	var p struct {
		AgentID string `json:"agent_id"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcErr(protocol.ErrBadParams, "malformed params")
		}
	}
	if p.AgentID == "" {
		p.AgentID = r.server.cfg.AgentID()
	}

	sessions, err := r.server.sessions.List(ctx, p.AgentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return map[string]interface{}{"sessions": sessions}, nil
}

func (r *MethodRouter) handleSessionsDelete(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if r.server.sessions == nil {
		return nil, rpcErr(protocol.ErrInternal, "session store not configured")
	}

	var p struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Key == "" {
		return nil, rpcErr(protocol.ErrBadParams, "key is required")
	}

	if err := r.server.sessions.Delete(ctx, p.Key); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	return map[string]interface{}{"deleted": p.Key}, nil
}

func (r *MethodRouter) handleConfigGet(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	return r.server.cfg.MaskedCopy(), nil
}

func (r *MethodRouter) handleChannelsStatus(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	if r.server.channels == nil {
		return map[string]interface{}{}, nil
	}
	return r.server.channels.GetStatus(), nil
}

func (r *MethodRouter) handleCronList(_ context.Context, _ *Client, _ json.RawMessage) (interface{}, error) {
	// MaskedCopy snapshots under the config lock, safe against hot reload.
	return map[string]interface{}{"jobs": r.server.cfg.MaskedCopy().Cron.Jobs}, nil
}

func (r *MethodRouter) handleSend(ctx context.Context, _ *Client, params json.RawMessage) (interface{}, error) {
	if r.server.channels == nil {
		return nil, rpcErr(protocol.ErrInternal, "channels not configured")
	}

	var p struct {
		Channel string `json:"channel"`
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.To == "" {
		return nil, rpcErr(protocol.ErrBadParams, "channel and to are required")
	}

	if err := r.server.channels.SendToChannel(ctx, p.Channel, p.To, p.Content); err != nil {
		return nil, fmt.Errorf("send to %s: %w", p.Channel, err)
	}
	return map[string]interface{}{"sent": true}, nil
}
