package channels

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/acp"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle and
// routing outbound messages to the correct channel. It is also the routing
// sink for reply delivery: RouteReply sends to an originating chat and
// RunMessageAction edits previously sent messages in place.
type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
// The dispatcher is always started even when no channels exist yet,
// because channels may be registered after a config reload.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel}
	go m.dispatchOutbound(dispatchCtx)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("stopping all channels")

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		m.dispatchTask = nil
	}

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel. Internal channels are silently skipped.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	slog.Info("outbound dispatcher started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbound dispatcher stopped")
			return
		default:
			msg, ok := m.bus.SubscribeOutbound(ctx)
			if !ok {
				continue
			}

			if IsInternalChannel(msg.Channel) {
				continue
			}

			m.mu.RLock()
			channel, exists := m.channels[msg.Channel]
			m.mu.RUnlock()

			if !exists {
				slog.Warn("unknown channel for outbound message", "channel", msg.Channel)
				continue
			}

			if err := channel.Send(ctx, msg); err != nil {
				slog.Error("error sending message to channel",
					"channel", msg.Channel,
					"error", err,
				)
			}

			cleanupMedia(msg.Media)
		}
	}
}

// cleanupMedia removes temporary media files once the send is over. Files are
// created by tts synthesis and only needed for the send.
func cleanupMedia(media []bus.MediaAttachment) {
	for _, m := range media {
		if m.URL == "" || m.URL[0] != '/' {
			continue
		}
		if err := os.Remove(m.URL); err != nil {
			slog.Debug("failed to clean up media file", "path", m.URL, "error", err)
		}
	}
}

// RouteReply sends a payload to the originating chat of a turn. Implements
// the delivery coordinator's routing sink. The returned MessageID, when the
// platform reports one, enables later edit-in-place of that message.
func (m *Manager) RouteReply(ctx context.Context, req acp.RouteRequest) (acp.RouteResult, error) {
	m.mu.RLock()
	channel, exists := m.channels[req.Channel]
	m.mu.RUnlock()
	if !exists {
		return acp.RouteResult{}, fmt.Errorf("channel %s not registered", req.Channel)
	}

	msg := outboundFromPayload(req.Channel, req.To, req.ThreadID, req.Payload)

	if sender, ok := channel.(RoutedSender); ok {
		messageID, err := sender.SendWithID(ctx, msg)
		if err != nil {
			return acp.RouteResult{OK: false, Error: err.Error()}, nil
		}
		cleanupMedia(msg.Media)
		return acp.RouteResult{OK: true, MessageID: messageID}, nil
	}

	if err := channel.Send(ctx, msg); err != nil {
		return acp.RouteResult{OK: false, Error: err.Error()}, nil
	}
	cleanupMedia(msg.Media)
	return acp.RouteResult{OK: true}, nil
}

// RunMessageAction edits a previously routed message in place. Channels
// without edit support yield an error, which callers treat as "edit not
// applicable" and fall back to a fresh send.
func (m *Manager) RunMessageAction(ctx context.Context, action acp.EditMessageAction) error {
	m.mu.RLock()
	channel, exists := m.channels[action.Channel]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("channel %s not registered", action.Channel)
	}

	editor, ok := channel.(MessageEditor)
	if !ok {
		return fmt.Errorf("channel %s does not support message edits", action.Channel)
	}
	return editor.EditMessage(ctx, action.To, action.MessageID, action.Message, action.ThreadID)
}

func outboundFromPayload(channel, to, threadID string, payload acp.ReplyPayload) bus.OutboundMessage {
	msg := bus.OutboundMessage{
		Channel:  channel,
		ChatID:   to,
		ThreadID: threadID,
		Content:  payload.Text,
	}
	if payload.MediaURL != "" {
		msg.Media = append(msg.Media, bus.MediaAttachment{URL: payload.MediaURL})
	}
	for _, u := range payload.MediaURLs {
		msg.Media = append(msg.Media, bus.MediaAttachment{URL: u})
	}
	return msg
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all enabled channels.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// SendToChannel delivers a message to a specific channel by name.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	m.mu.RLock()
	channel, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", channelName)
	}

	return channel.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}
