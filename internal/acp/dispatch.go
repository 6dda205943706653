package acp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// TagVisibility decides which protocol tags produce user-visible tool/status
// deliveries. Built from config; deployments that want tool_call traffic
// silenced map those tags to false. Tags missing from the map are hidden.
type TagVisibility map[string]bool

// DefaultTagVisibility is the visibility set applied when config does not
// override per-tag behavior: tool activity shown, bookkeeping hidden.
func DefaultTagVisibility() TagVisibility {
	return TagVisibility{
		protocol.TagToolCall:                true,
		protocol.TagToolCallUpdate:          true,
		protocol.TagUsageUpdate:             false,
		protocol.TagAvailableCommandsUpdate: false,
		protocol.TagCurrentModeUpdate:       true,
		protocol.TagConfigOptionUpdate:      true,
		protocol.TagSessionInfoUpdate:       true,
		protocol.TagPlan:                    true,
		protocol.TagClientOperation:         false,
		protocol.TagUpdate:                  true,
	}
}

// Visible reports whether a tag's deliveries should reach the chat.
func (v TagVisibility) Visible(tag string) bool {
	return v[tag]
}

// TurnRequest is the input for dispatching one turn.
type TurnRequest struct {
	SessionKey string
	Channel    string
	AccountID  string
	To         string
	ThreadID   string
	Prompt     string

	// DispatchEnabled gates ACP-style dispatch as a whole. Disabled turns
	// are silent no-ops.
	DispatchEnabled bool
	// SendToolSummaries enables tool-status deliveries for this turn.
	SendToolSummaries bool
	// RouteToOriginating sends output back to the triggering channel instead
	// of the protocol-native dispatcher.
	RouteToOriginating bool
}

// TurnResult aggregates what a completed turn delivered.
type TurnResult struct {
	Counts              Counts
	RoutedToOriginating bool
}

// ControllerConfig wires the dispatch controller to its collaborators.
type ControllerConfig struct {
	Runner     TurnRunner
	Resolver   SessionResolver
	Router     ReplyRouter
	Actions    MessageActioner
	Dispatcher ReplyDispatcher
	TTS        TTSFunc

	DispatchPolicy PolicyFunc
	AgentPolicy    PolicyFunc
	Visibility     TagVisibility

	// OnReplyStart fires exactly once per turn, the first time any delivery
	// carries visible content.
	OnReplyStart func()
}

// Controller orchestrates one full turn: policy gates, session resolution,
// the runtime event loop, per-event classification, and terminal
// aggregation. A controller is reusable across turns; each turn owns an
// independent Coordinator.
type Controller struct {
	cfg ControllerConfig
}

// NewController creates a turn dispatch controller.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Visibility == nil {
		cfg.Visibility = DefaultTagVisibility()
	}
	return &Controller{cfg: cfg}
}

// DispatchTurn runs one prompt→response cycle. Empty prompts and disabled
// dispatch return (nil, nil) with no side effects. Policy refusals and
// resolution failures deliver a single final reply and return a result.
// Runtime invocation errors propagate to the caller uncaught; retries, if
// any, are the runtime collaborator's policy.
func (c *Controller) DispatchTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, nil
	}
	if !req.DispatchEnabled {
		slog.Debug("acp: dispatch disabled, skipping turn", "session", req.SessionKey)
		return nil, nil
	}

	coord := NewCoordinator(CoordinatorConfig{
		SessionKey:   req.SessionKey,
		Route:        c.originatingRoute(req),
		Router:       c.cfg.Router,
		Actions:      c.cfg.Actions,
		Dispatcher:   c.cfg.Dispatcher,
		TTS:          c.cfg.TTS,
		OnReplyStart: c.cfg.OnReplyStart,
	})

	if perr := c.policyError(req); perr != nil {
		slog.Info("acp: dispatch refused by policy",
			"session", req.SessionKey, "code", perr.Code)
		coord.Deliver(ctx, KindFinal, ReplyPayload{Text: policyReplyText(perr)}, DeliverMeta{})
		return c.finish(req, coord), nil
	}

	if res := c.cfg.Resolver.ResolveSession(req.SessionKey); res.Kind != ResolutionReady {
		slog.Warn("acp: session not ready",
			"session", req.SessionKey, "kind", res.Kind, "reason", res.Reason)
		coord.Deliver(ctx, KindFinal, ReplyPayload{Text: resolutionReplyText(res)}, DeliverMeta{})
		return c.finish(req, coord), nil
	}

	// Per-turn edit tracking: first occurrence of a tool call id creates the
	// message, later occurrences with the update tag attempt edit-in-place.
	seenToolCalls := make(map[string]bool)
	terminal := false

	onEvent := func(ctx context.Context, raw any) {
		if terminal {
			return
		}
		ev := projectRaw(raw)
		if ev == nil {
			return
		}

		switch ev.Type {
		case EventTextDelta:
			// Thought text is a side channel, never projected as a reply.
			if ev.Stream != StreamOutput {
				slog.Debug("acp: thought delta", "session", req.SessionKey, "len", len(ev.Text))
				return
			}
			if trimmed(ev.Text) == "" {
				return
			}
			if !coord.Deliver(ctx, KindBlock, ReplyPayload{Text: ev.Text}, DeliverMeta{}) {
				slog.Warn("acp: block delivery failed", "session", req.SessionKey)
			}

		case EventToolCall:
			if !req.SendToolSummaries || !c.cfg.Visibility.Visible(ev.Tag) {
				return
			}
			allowEdit := ev.Tag == protocol.TagToolCallUpdate &&
				ev.ToolCallID != "" && seenToolCalls[ev.ToolCallID]
			meta := DeliverMeta{AllowEdit: allowEdit, ToolCallID: ev.ToolCallID}

			ok := coord.Deliver(ctx, KindTool, ReplyPayload{Text: ev.Text}, meta)
			if !ok && allowEdit {
				// Edit not applicable (unsupported API, stale handle):
				// fall back to a fresh send of the same payload.
				ok = coord.Deliver(ctx, KindTool, ReplyPayload{Text: ev.Text},
					DeliverMeta{ToolCallID: ev.ToolCallID})
			}
			if ev.ToolCallID != "" {
				seenToolCalls[ev.ToolCallID] = true
			}
			if !ok {
				slog.Warn("acp: tool delivery failed",
					"session", req.SessionKey, "tool_call", ev.ToolCallID)
			}

		case EventStatus:
			if !c.cfg.Visibility.Visible(ev.Tag) {
				slog.Debug("acp: status suppressed",
					"session", req.SessionKey, "tag", ev.Tag, "text", ev.Text)
				return
			}
			if !coord.Deliver(ctx, KindTool, ReplyPayload{Text: ev.Text}, DeliverMeta{}) {
				slog.Warn("acp: status delivery failed", "session", req.SessionKey, "tag", ev.Tag)
			}

		case EventDone:
			terminal = true

		case EventError:
			terminal = true
			coord.Deliver(ctx, KindFinal, ReplyPayload{Text: errorReplyText(ev)}, DeliverMeta{})
		}
	}

	if err := c.cfg.Runner.RunTurn(ctx, RunParams{
		SessionKey: req.SessionKey,
		Prompt:     prompt,
		OnEvent:    onEvent,
	}); err != nil {
		return nil, err
	}

	return c.finish(req, coord), nil
}

func (c *Controller) originatingRoute(req TurnRequest) *OriginatingRoute {
	if !req.RouteToOriginating {
		return nil
	}
	return &OriginatingRoute{
		Channel:   req.Channel,
		AccountID: req.AccountID,
		To:        req.To,
		ThreadID:  req.ThreadID,
	}
}

func (c *Controller) policyError(req TurnRequest) *PolicyError {
	if c.cfg.DispatchPolicy != nil {
		if perr := c.cfg.DispatchPolicy(req); perr != nil {
			return perr
		}
	}
	if c.cfg.AgentPolicy != nil {
		if perr := c.cfg.AgentPolicy(req); perr != nil {
			return perr
		}
	}
	return nil
}

func (c *Controller) finish(req TurnRequest, coord *Coordinator) *TurnResult {
	counts := coord.RoutedCounts()
	if c.cfg.Dispatcher != nil {
		counts = counts.Add(c.cfg.Dispatcher.QueuedCounts())
		c.cfg.Dispatcher.MarkComplete()
	}
	return &TurnResult{
		Counts:              counts,
		RoutedToOriginating: req.RouteToOriginating,
	}
}

// projectRaw normalizes whatever shape the transport hands the event
// callback: raw line, pre-parsed object, or an already-normalized event.
func projectRaw(raw any) *Event {
	switch v := raw.(type) {
	case *Event:
		return v
	case Event:
		return &v
	case string:
		return ParsePromptEventLine(v)
	case []byte:
		return ParsePromptEventLine(string(v))
	case map[string]any:
		return ProjectUpdate(v)
	default:
		return nil
	}
}

func policyReplyText(perr *PolicyError) string {
	if perr.Message != "" {
		return fmt.Sprintf("Dispatch refused (%s): %s", perr.Code, perr.Message)
	}
	return fmt.Sprintf("Dispatch refused (%s).", perr.Code)
}

func resolutionReplyText(res Resolution) string {
	switch res.Kind {
	case ResolutionBackendUnreachable:
		return "Agent backend is unreachable. Try again shortly."
	case ResolutionAgentUnavailable:
		return "No agent is available for this session."
	default:
		if res.Reason != "" {
			return fmt.Sprintf("Session is not ready (%s): %s", res.Kind, res.Reason)
		}
		return fmt.Sprintf("Session is not ready (%s).", res.Kind)
	}
}

func errorReplyText(ev *Event) string {
	if ev.Code != "" {
		return fmt.Sprintf("Agent error: %s [%s]", ev.Text, ev.Code)
	}
	return "Agent error: " + ev.Text
}
