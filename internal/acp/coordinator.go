package acp

import (
	"context"
	"log/slog"
)

// toolMessageRef is the handle of the chat message currently displaying a
// tool invocation's status, recorded on first successful route so a later
// status transition can edit it in place.
type toolMessageRef struct {
	Channel   string
	AccountID string
	To        string
	ThreadID  string
	MessageID string
}

// CoordinatorConfig wires one coordinator instance to its collaborators.
// Route nil means the protocol-native dispatcher path is used.
type CoordinatorConfig struct {
	SessionKey   string
	Route        *OriginatingRoute
	Router       ReplyRouter
	Actions      MessageActioner
	Dispatcher   ReplyDispatcher
	TTS          TTSFunc
	OnReplyStart func()
}

// Coordinator owns per-turn delivery bookkeeping: the one-shot reply
// lifecycle latch, block text accumulation, routed counters, and the
// tool-call → message-handle map that enables edit-in-place.
//
// One instance per turn. All methods are called from the turn's single
// sequential event loop, so no locking is needed; state is discarded with
// the coordinator when the turn ends.
type Coordinator struct {
	cfg CoordinatorConfig

	startedReplyLifecycle bool
	accumulatedBlockText  string
	blockCount            int
	counts                Counts
	toolMessages          map[string]toolMessageRef
}

// NewCoordinator creates the delivery coordinator for one turn.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		toolMessages: make(map[string]toolMessageRef),
	}
}

// StartReplyLifecycle fires the external "reply started" callback at most
// once per turn. Idempotent: first caller wins, later calls are no-ops. The
// latch is a plain check-and-set because the per-turn event loop is
// single-threaded.
func (c *Coordinator) StartReplyLifecycle() {
	if c.startedReplyLifecycle {
		return
	}
	c.startedReplyLifecycle = true
	if c.cfg.OnReplyStart != nil {
		c.cfg.OnReplyStart()
	}
}

// Deliver reconciles one delivery request against the chat platform. Returns
// true when the sink accepted the payload. Never panics or propagates sink
// errors; failed deliveries are logged and reported as false.
//
// With meta.AllowEdit set on a tool delivery, only an edit-in-place is
// attempted; when the edit is not applicable (no handle, empty text, action
// failure) the result is false and the caller decides whether to fall back
// to a fresh send.
func (c *Coordinator) Deliver(ctx context.Context, kind DeliveryKind, payload ReplyPayload, meta DeliverMeta) bool {
	if kind == KindBlock && trimmed(payload.Text) != "" {
		if c.accumulatedBlockText != "" {
			c.accumulatedBlockText += "\n"
		}
		c.accumulatedBlockText += payload.Text
		c.blockCount++
	}

	if payload.HasVisibleContent() {
		c.StartReplyLifecycle()
	}

	if c.cfg.TTS != nil {
		converted, err := c.cfg.TTS(ctx, payload, kind)
		if err != nil {
			slog.Warn("acp: tts transform failed, delivering original payload",
				"session", c.cfg.SessionKey, "kind", kind, "error", err)
		} else {
			payload = converted
		}
	}

	if c.cfg.Route != nil {
		return c.routeToOriginating(ctx, kind, payload, meta)
	}
	return c.dispatchDirect(ctx, kind, payload)
}

func (c *Coordinator) routeToOriginating(ctx context.Context, kind DeliveryKind, payload ReplyPayload, meta DeliverMeta) bool {
	if kind == KindTool && meta.AllowEdit && meta.ToolCallID != "" {
		return c.tryEditToolMessage(ctx, meta.ToolCallID, payload)
	}

	if c.cfg.Router == nil {
		slog.Warn("acp: no reply router configured", "session", c.cfg.SessionKey, "kind", kind)
		return false
	}

	res, err := c.cfg.Router.RouteReply(ctx, RouteRequest{
		Payload:    payload,
		Channel:    c.cfg.Route.Channel,
		AccountID:  c.cfg.Route.AccountID,
		To:         c.cfg.Route.To,
		ThreadID:   c.cfg.Route.ThreadID,
		SessionKey: c.cfg.SessionKey,
	})
	if err != nil {
		slog.Warn("acp: reply routing failed",
			"session", c.cfg.SessionKey, "kind", kind, "error", err)
		return false
	}
	if !res.OK {
		slog.Warn("acp: reply routing rejected",
			"session", c.cfg.SessionKey, "kind", kind, "error", res.Error)
		return false
	}

	if kind == KindTool && meta.ToolCallID != "" && res.MessageID != "" {
		c.toolMessages[meta.ToolCallID] = toolMessageRef{
			Channel:   c.cfg.Route.Channel,
			AccountID: c.cfg.Route.AccountID,
			To:        c.cfg.Route.To,
			ThreadID:  c.cfg.Route.ThreadID,
			MessageID: res.MessageID,
		}
	}

	switch kind {
	case KindTool:
		c.counts.Tool++
	case KindBlock:
		c.counts.Block++
	case KindFinal:
		c.counts.Final++
	}
	return true
}

// tryEditToolMessage edits the recorded message for a tool call in place.
// Requires originating-channel routing, a configured destination, a recorded
// handle, and non-empty text. Any failure (including the action erroring) is
// logged and reported as not-applicable — an unsupported edit API is an
// expected platform limitation, not an anomaly.
func (c *Coordinator) tryEditToolMessage(ctx context.Context, toolCallID string, payload ReplyPayload) bool {
	if c.cfg.Route == nil || c.cfg.Route.Channel == "" || c.cfg.Route.To == "" {
		return false
	}
	ref, ok := c.toolMessages[toolCallID]
	if !ok {
		return false
	}
	text := trimmed(payload.Text)
	if text == "" {
		return false
	}
	if c.cfg.Actions == nil {
		return false
	}

	err := c.cfg.Actions.RunMessageAction(ctx, EditMessageAction{
		Channel:    ref.Channel,
		AccountID:  ref.AccountID,
		To:         ref.To,
		ThreadID:   ref.ThreadID,
		MessageID:  ref.MessageID,
		Message:    text,
		SessionKey: c.cfg.SessionKey,
	})
	if err != nil {
		slog.Debug("acp: tool message edit not applicable",
			"session", c.cfg.SessionKey, "tool_call", toolCallID, "error", err)
		return false
	}

	c.counts.Tool++
	return true
}

func (c *Coordinator) dispatchDirect(ctx context.Context, kind DeliveryKind, payload ReplyPayload) bool {
	if c.cfg.Dispatcher == nil {
		slog.Warn("acp: no dispatcher configured", "session", c.cfg.SessionKey, "kind", kind)
		return false
	}
	switch kind {
	case KindTool:
		return c.cfg.Dispatcher.SendToolResult(ctx, payload)
	case KindBlock:
		return c.cfg.Dispatcher.SendBlockReply(ctx, payload)
	case KindFinal:
		return c.cfg.Dispatcher.SendFinalReply(ctx, payload)
	}
	return false
}

// RoutedCounts returns a copy of the per-kind counters for the routed path.
func (c *Coordinator) RoutedCounts() Counts {
	return c.counts
}

// AccumulatedBlockText returns all block text delivered this turn,
// newline-joined.
func (c *Coordinator) AccumulatedBlockText() string {
	return c.accumulatedBlockText
}

// BlockCount returns the number of non-empty block deliveries this turn.
func (c *Coordinator) BlockCount() int {
	return c.blockCount
}

// StartedReplyLifecycle reports whether the one-shot latch has fired.
func (c *Coordinator) StartedReplyLifecycle() bool {
	return c.startedReplyLifecycle
}
