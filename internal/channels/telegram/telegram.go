// Package telegram connects the gateway to the Telegram Bot API using long
// polling. Outbound sends report message IDs so routed tool summaries can be
// edited in place as the tool finishes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// defaultChunkLimit is below Telegram's 4096-char message cap, leaving room
// for entity expansion.
const defaultChunkLimit = 4000

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot            *telego.Bot
	config         config.TelegramConfig
	requireMention bool
	chunkLimit     int
	pollCancel     context.CancelFunc
	pollDone       chan struct{}
}

// New creates a new Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	chunkLimit := cfg.TextChunkLimit
	if chunkLimit <= 0 {
		chunkLimit = defaultChunkLimit
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("telegram", cfg.AccountID, msgBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		requireMention: requireMention,
		chunkLimit:     chunkLimit,
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the Telegram bot by cancelling the long polling context
// and waiting for the polling goroutine to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	// Wait for the polling goroutine to fully exit so that Telegram
	// releases the getUpdates lock before a new instance starts.
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Send delivers an outbound message, chunking long text.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := c.SendWithID(ctx, msg)
	return err
}

// SendWithID sends a message and returns the platform ID of the last created
// message (the one worth editing later).
func (c *Channel) SendWithID(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}
	threadID := resolveThreadIDForSend(msg.ThreadID)

	lastID := ""
	for _, chunk := range channels.SplitMessage(msg.Content, c.chunkLimit) {
		params := tu.Message(tu.ID(chatID), chunk)
		if threadID != 0 {
			params = params.WithMessageThreadID(threadID)
		}
		if c.config.LinkPreview != nil && !*c.config.LinkPreview {
			params = params.WithLinkPreviewOptions(&telego.LinkPreviewOptions{IsDisabled: true})
		}

		sent, err := c.bot.SendMessage(ctx, params)
		if err != nil {
			return lastID, fmt.Errorf("send telegram message: %w", err)
		}
		lastID = strconv.Itoa(sent.MessageID)
	}

	for _, media := range msg.Media {
		id, err := c.sendMedia(ctx, chatID, threadID, media)
		if err != nil {
			slog.Warn("telegram media send failed", "path", media.URL, "error", err)
			continue
		}
		lastID = id
	}

	return lastID, nil
}

// sendMedia uploads one attachment. Audio goes out as a voice note, anything
// else as a document.
func (c *Channel) sendMedia(ctx context.Context, chatID int64, threadID int, media bus.MediaAttachment) (string, error) {
	f, err := os.Open(media.URL)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if isAudio(media) {
		params := &telego.SendVoiceParams{
			ChatID:  tu.ID(chatID),
			Voice:   tu.File(f),
			Caption: media.Caption,
		}
		if threadID != 0 {
			params.MessageThreadID = threadID
		}
		sent, err := c.bot.SendVoice(ctx, params)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(sent.MessageID), nil
	}

	params := &telego.SendDocumentParams{
		ChatID:   tu.ID(chatID),
		Document: tu.File(f),
		Caption:  media.Caption,
	}
	if threadID != 0 {
		params.MessageThreadID = threadID
	}
	sent, err := c.bot.SendDocument(ctx, params)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

// EditMessage replaces the text of a previously sent message.
func (c *Channel) EditMessage(ctx context.Context, chatIDStr, messageIDStr, text, _ string) error {
	chatID, err := parseChatID(chatIDStr)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatIDStr, err)
	}
	messageID, err := strconv.Atoi(messageIDStr)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", messageIDStr, err)
	}

	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("edit telegram message: %w", err)
	}
	return nil
}

func isAudio(media bus.MediaAttachment) bool {
	if media.ContentType != "" {
		return len(media.ContentType) > 6 && media.ContentType[:6] == "audio/"
	}
	ext := media.URL
	if n := len(ext); n > 4 {
		ext = ext[n-4:]
	}
	return ext == ".mp3" || ext == ".ogg" || ext == ".m4a" || ext == ".wav"
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(chatIDStr, 10, 64)
}

// telegramGeneralTopicID is the fixed topic ID for the "General" topic in
// forum supergroups.
const telegramGeneralTopicID = 1

// resolveThreadIDForSend returns the thread ID for Telegram send/edit API
// calls. General topic (1) must be omitted — Telegram rejects it with
// "thread not found".
func resolveThreadIDForSend(threadIDStr string) int {
	threadID, err := strconv.Atoi(threadIDStr)
	if err != nil || threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
