package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped whenever the control-plane frame layout changes
// incompatibly. Clients should check it via the health method.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Error codes returned in ResponseFrame.Error.
const (
	ErrUnauthorized  = "unauthorized"
	ErrUnknownMethod = "unknown_method"
	ErrBadParams     = "bad_params"
	ErrRateLimited   = "rate_limited"
	ErrInternal      = "internal"
)

// RequestFrame is a client-to-server method call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a machine-readable code plus a human-readable message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is a server-to-client push (no ID, not a reply to anything).
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Ts      int64       `json:"ts"`
}

// NewEvent builds an event frame stamped with the current time.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   name,
		Payload: payload,
		Ts:      time.Now().UnixMilli(),
	}
}

// NewResponse builds a success response for the given request ID.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure response for the given request ID.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorInfo{Code: code, Message: message},
	}
}
