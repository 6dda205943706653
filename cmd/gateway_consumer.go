package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/acp"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/cron"
	"github.com/nextlevelbuilder/agentgate/internal/runtime"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/tracing"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// turnPipeline bundles the collaborators every turn dispatch needs.
type turnPipeline struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	runtime  *runtime.Manager
	channels *channels.Manager
	sessions store.SessionStore
	tts      acp.TTSFunc
}

// consumeInboundMessages reads inbound messages from channels and dispatches
// each as one agent turn. Duplicates (webhook retries, double-taps) and
// rate-limited senders are dropped before dispatch.
func consumeInboundMessages(ctx context.Context, p *turnPipeline) {
	slog.Info("inbound message consumer started")

	ttl := time.Duration(p.cfg.Gateway.DedupeTTLSec) * time.Second
	if ttl <= 0 {
		ttl = time.Minute
	}
	dedupe := bus.NewDedupeCache(ttl, 5000)
	limiter := channels.NewSenderRateLimiter(p.cfg.Gateway.RateLimitRPM)

	for {
		msg, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		if msgID := msg.Metadata["message_id"]; msgID != "" {
			dedupeKey := fmt.Sprintf("%s|%s|%s|%s", msg.Channel, msg.SenderID, msg.ChatID, msgID)
			if dedupe.IsDuplicate(dedupeKey) {
				slog.Debug("dedup: skipping duplicate message", "key", dedupeKey)
				continue
			}
		}

		if !limiter.Allow(msg.Channel + "|" + msg.SenderID) {
			slog.Debug("rate limit: dropping inbound message",
				"channel", msg.Channel, "sender", msg.SenderID)
			continue
		}

		peerKind := msg.PeerKind
		if peerKind == "" {
			peerKind = string(sessions.PeerDirect)
		}
		sessionKey := sessions.BuildScopedSessionKey(
			p.cfg.AgentID(), msg.Channel, sessions.PeerKind(peerKind), msg.ChatID,
			p.cfg.Sessions.Scope, p.cfg.Sessions.DmScope, p.cfg.Sessions.MainKey)

		slog.Info("inbound: dispatching turn",
			"channel", msg.Channel,
			"chat_id", msg.ChatID,
			"peer_kind", peerKind,
			"session", sessionKey,
		)

		req := acp.TurnRequest{
			SessionKey:         sessionKey,
			Channel:            msg.Channel,
			AccountID:          msg.AccountID,
			To:                 msg.ChatID,
			ThreadID:           msg.ThreadID,
			Prompt:             promptFromInbound(msg),
			DispatchEnabled:    p.cfg.Dispatch.IsEnabled(),
			SendToolSummaries:  p.cfg.Dispatch.ToolSummariesEnabled(),
			RouteToOriginating: p.cfg.Dispatch.RoutesToOriginating(),
		}

		// Concurrent across sessions; the runtime manager serializes turns
		// within a session.
		go func(req acp.TurnRequest, channel, chatID string) {
			if _, err := p.runTurn(ctx, req); err != nil {
				p.deliverTurnError(ctx, channel, chatID, err)
			}
		}(req, msg.Channel, msg.ChatID)
	}
}

// runTurn executes one turn through the dispatch controller and records the
// outcome: session route, per-kind counters, trace span, and control-plane
// events.
func (p *turnPipeline) runTurn(ctx context.Context, req acp.TurnRequest) (*acp.TurnResult, error) {
	spanCtx, span := tracing.StartTurnSpan(ctx, req.SessionKey, req.Channel)

	p.bus.Broadcast(bus.Event{Name: protocol.EventTurnStarted, Payload: map[string]interface{}{
		"session_key": req.SessionKey,
		"channel":     req.Channel,
	}})

	dispatcher := &eventDispatcher{bus: p.bus, sessionKey: req.SessionKey}
	controller := acp.NewController(acp.ControllerConfig{
		Runner:         p.runtime,
		Resolver:       p.runtime,
		Router:         p.channels,
		Actions:        p.channels,
		Dispatcher:     dispatcher,
		TTS:            p.tts,
		DispatchPolicy: maxLengthPolicy(p.cfg),
		Visibility:     tagVisibility(p.cfg),
	})

	result, err := controller.DispatchTurn(spanCtx, req)
	if err != nil {
		if serr := p.sessions.RecordError(ctx, req.SessionKey, err.Error()); serr != nil {
			slog.Warn("failed to record turn error", "session", req.SessionKey, "error", serr)
		}
		p.bus.Broadcast(bus.Event{Name: protocol.EventTurnFailed, Payload: map[string]interface{}{
			"session_key": req.SessionKey,
			"error":       err.Error(),
		}})
		tracing.EndTurnSpan(span, 0, 0, 0, "", err)
		return nil, err
	}

	if result == nil {
		// Empty prompt or dispatch disabled: silent no-op.
		tracing.EndTurnSpan(span, 0, 0, 0, "skipped", nil)
		return nil, nil
	}

	if req.Channel != "" && req.To != "" {
		if serr := p.sessions.SetRoute(ctx, req.SessionKey, req.Channel, req.To); serr != nil {
			slog.Warn("failed to record session route", "session", req.SessionKey, "error", serr)
		}
	}
	counts := result.Counts
	if serr := p.sessions.RecordTurn(ctx, req.SessionKey, counts.Tool, counts.Block, counts.Final); serr != nil {
		slog.Warn("failed to record turn counters", "session", req.SessionKey, "error", serr)
	}
	if serr := p.sessions.RecordError(ctx, req.SessionKey, ""); serr != nil {
		slog.Debug("failed to clear turn error", "session", req.SessionKey, "error", serr)
	}

	p.bus.Broadcast(bus.Event{Name: protocol.EventTurnCompleted, Payload: map[string]interface{}{
		"session_key": req.SessionKey,
		"channel":     req.Channel,
		"counts":      counts,
		"routed":      result.RoutedToOriginating,
	}})
	tracing.EndTurnSpan(span, counts.Tool, counts.Block, counts.Final, "done", nil)

	return result, nil
}

// deliverTurnError sends a short failure notice to the originating chat.
// Policy refusals and agent errors already produced a final reply inside the
// controller; this covers runtime invocation failures only.
func (p *turnPipeline) deliverTurnError(ctx context.Context, channel, chatID string, err error) {
	slog.Error("turn dispatch failed", "channel", channel, "chat_id", chatID, "error", err)
	if channel == "" || chatID == "" {
		return
	}
	notice := "The agent could not process your message. Please try again."
	if sendErr := p.channels.SendToChannel(ctx, channel, chatID, notice); sendErr != nil {
		slog.Warn("failed to deliver turn error notice",
			"channel", channel, "chat_id", chatID, "error", sendErr)
	}
}

// makeCronRunFunc builds the scheduler callback: each due job becomes a turn
// whose replies are announced on the job's channel, falling back to the
// session store's most recently used route.
func makeCronRunFunc(p *turnPipeline) cron.RunFunc {
	return func(ctx context.Context, job config.CronJob, runID string) error {
		channel, to := job.Channel, job.To
		if channel == "" || to == "" {
			lastChannel, lastTo, err := p.sessions.LastUsedRoute(ctx, p.cfg.AgentID())
			if err != nil {
				return fmt.Errorf("resolve announcement route: %w", err)
			}
			if channel == "" {
				channel = lastChannel
			}
			if to == "" {
				to = lastTo
			}
		}
		if channel == "" || to == "" {
			return fmt.Errorf("job %s has no announcement route and no session has been used yet", job.ID)
		}

		req := acp.TurnRequest{
			SessionKey:         sessions.BuildCronSessionKey(p.cfg.AgentID(), job.ID, runID),
			Channel:            channel,
			To:                 to,
			Prompt:             job.Prompt,
			DispatchEnabled:    p.cfg.Dispatch.IsEnabled(),
			SendToolSummaries:  false, // announcements deliver final output only
			RouteToOriginating: true,
		}
		_, err := p.runTurn(ctx, req)
		return err
	}
}

// promptFromInbound renders the inbound message as the turn prompt. Media is
// described by label (the gateway does not download attachments).
func promptFromInbound(msg bus.InboundMessage) string {
	if len(msg.Media) == 0 {
		return msg.Content
	}
	labels := "[attachments: " + strings.Join(msg.Media, ", ") + "]"
	if strings.TrimSpace(msg.Content) == "" {
		return labels
	}
	return msg.Content + "\n" + labels
}

// maxLengthPolicy refuses prompts above the configured character budget.
func maxLengthPolicy(cfg *config.Config) acp.PolicyFunc {
	return func(req acp.TurnRequest) *acp.PolicyError {
		limit := cfg.Gateway.MaxMessageChars
		if limit > 0 && len(req.Prompt) > limit {
			return &acp.PolicyError{
				Code:    "message_too_long",
				Message: fmt.Sprintf("message exceeds %d characters", limit),
			}
		}
		return nil
	}
}

// tagVisibility overlays config overrides onto the default per-tag policy.
func tagVisibility(cfg *config.Config) acp.TagVisibility {
	vis := acp.DefaultTagVisibility()
	for tag, visible := range cfg.Dispatch.TagVisibility {
		vis[tag] = visible
	}
	return vis
}

// eventDispatcher is the protocol-native reply sink used when a turn is not
// routed back to its originating channel: replies become chat events on the
// control-plane bus. One dispatcher serves one turn.
type eventDispatcher struct {
	bus        *bus.MessageBus
	sessionKey string

	mu     sync.Mutex
	counts acp.Counts
}

func (d *eventDispatcher) SendToolResult(ctx context.Context, payload acp.ReplyPayload) bool {
	return d.send(protocol.ChatEventThinking, payload, func(c *acp.Counts) { c.Tool++ })
}

func (d *eventDispatcher) SendBlockReply(ctx context.Context, payload acp.ReplyPayload) bool {
	return d.send(protocol.ChatEventChunk, payload, func(c *acp.Counts) { c.Block++ })
}

func (d *eventDispatcher) SendFinalReply(ctx context.Context, payload acp.ReplyPayload) bool {
	return d.send(protocol.ChatEventMessage, payload, func(c *acp.Counts) { c.Final++ })
}

func (d *eventDispatcher) send(chatType string, payload acp.ReplyPayload, bump func(*acp.Counts)) bool {
	d.mu.Lock()
	bump(&d.counts)
	d.mu.Unlock()

	d.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]interface{}{
		"type":        chatType,
		"session_key": d.sessionKey,
		"id":          uuid.NewString(),
		"payload":     payload,
	}})
	return true
}

func (d *eventDispatcher) QueuedCounts() acp.Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

func (d *eventDispatcher) MarkComplete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counts = acp.Counts{}
}
