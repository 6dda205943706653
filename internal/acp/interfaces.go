package acp

import "context"

// RunParams describes one turn invocation against the backend runtime.
// OnEvent is invoked once per protocol event in emission order; raw may be a
// newline-delimited record (string), a pre-parsed object (map[string]any), or
// an already-normalized *Event depending on the transport.
type RunParams struct {
	SessionKey string
	Prompt     string
	OnEvent    func(ctx context.Context, raw any)
}

// TurnRunner is the opaque backend event source. RunTurn must invoke OnEvent
// for every protocol event in order and eventually return; it resolves after
// the stream ends, not necessarily the instant a done event fires.
type TurnRunner interface {
	RunTurn(ctx context.Context, params RunParams) error
}

// ResolutionKind classifies the outcome of resolving a session before a turn.
type ResolutionKind string

const (
	ResolutionReady              ResolutionKind = "ready"
	ResolutionBackendUnreachable ResolutionKind = "backend_unreachable"
	ResolutionAgentUnavailable   ResolutionKind = "agent_unavailable"
)

// Resolution is the session-readiness report from the session manager.
type Resolution struct {
	Kind   ResolutionKind
	Reason string
	Meta   map[string]string
}

// SessionResolver reports whether a session is ready for a runtime call.
type SessionResolver interface {
	ResolveSession(sessionKey string) Resolution
}

// PolicyError is a dispatch- or agent-level refusal. User-visible: the code
// is embedded in the final reply so operators can see why dispatch was
// refused.
type PolicyError struct {
	Code    string
	Message string
}

func (e *PolicyError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// PolicyFunc evaluates one policy gate for a turn. Returning nil means the
// gate passes. Both gates run before the runtime is invoked.
type PolicyFunc func(req TurnRequest) *PolicyError

// OriginatingRoute is the chat destination the triggering message came from.
// When set on a coordinator, deliveries are routed back to it instead of the
// protocol's native dispatcher.
type OriginatingRoute struct {
	Channel   string
	AccountID string
	To        string
	ThreadID  string
}

// RouteRequest asks the routing sink to send a payload to a destination.
type RouteRequest struct {
	Payload    ReplyPayload
	Channel    string
	AccountID  string
	To         string
	ThreadID   string
	SessionKey string
}

// RouteResult reports the outcome of a routed send. MessageID, when present,
// identifies the created platform message for later edit-in-place.
type RouteResult struct {
	OK        bool
	MessageID string
	Error     string
}

// ReplyRouter sends a payload to an originating channel destination.
type ReplyRouter interface {
	RouteReply(ctx context.Context, req RouteRequest) (RouteResult, error)
}

// EditMessageAction replaces the content of a previously sent message.
type EditMessageAction struct {
	Channel    string
	AccountID  string
	To         string
	ThreadID   string
	MessageID  string
	Message    string
	SessionKey string
}

// MessageActioner runs platform message actions. An edit-unsupported platform
// returns an error, which the coordinator treats as "edit not applicable".
type MessageActioner interface {
	RunMessageAction(ctx context.Context, action EditMessageAction) error
}

// ReplyDispatcher is the protocol-native sink used when a turn is not routed
// to an originating channel. Each send reports acceptance as a boolean;
// counting on this path is the dispatcher's own responsibility.
type ReplyDispatcher interface {
	SendToolResult(ctx context.Context, payload ReplyPayload) bool
	SendBlockReply(ctx context.Context, payload ReplyPayload) bool
	SendFinalReply(ctx context.Context, payload ReplyPayload) bool
	QueuedCounts() Counts
	MarkComplete()
}

// TTSFunc post-processes a payload before it leaves the coordinator
// (text-to-speech conversion). Pass-through when nil or disabled.
type TTSFunc func(ctx context.Context, payload ReplyPayload, kind DeliveryKind) (ReplyPayload, error)
