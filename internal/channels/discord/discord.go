// Package discord connects the gateway to Discord via the gateway WebSocket
// API. Outbound sends report message IDs for routed edit-in-place.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
)

// defaultChunkLimit is Discord's message character cap.
const defaultChunkLimit = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // populated on start
	requireMention bool
	chunkLimit     int
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	chunkLimit := cfg.TextChunkLimit
	if chunkLimit <= 0 || chunkLimit > defaultChunkLimit {
		chunkLimit = defaultChunkLimit
	}

	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", cfg.AccountID, msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
		chunkLimit:     chunkLimit,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message to a Discord channel.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := c.SendWithID(ctx, msg)
	return err
}

// SendWithID sends a message and returns the ID of the last created message.
func (c *Channel) SendWithID(_ context.Context, msg bus.OutboundMessage) (string, error) {
	lastID := ""
	for _, chunk := range channels.SplitMessage(msg.Content, c.chunkLimit) {
		sent, err := c.session.ChannelMessageSend(msg.ChatID, chunk)
		if err != nil {
			return lastID, fmt.Errorf("send discord message: %w", err)
		}
		lastID = sent.ID
	}

	for _, media := range msg.Media {
		id, err := c.sendMedia(msg.ChatID, media)
		if err != nil {
			slog.Warn("discord media send failed", "path", media.URL, "error", err)
			continue
		}
		lastID = id
	}

	return lastID, nil
}

func (c *Channel) sendMedia(chatID string, media bus.MediaAttachment) (string, error) {
	f, err := os.Open(media.URL)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sent, err := c.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: media.Caption,
		Files: []*discordgo.File{{
			Name:   filepath.Base(media.URL),
			Reader: f,
		}},
	})
	if err != nil {
		return "", err
	}
	return sent.ID, nil
}

// EditMessage replaces the text of a previously sent message.
func (c *Channel) EditMessage(_ context.Context, chatID, messageID, text, _ string) error {
	if _, err := c.session.ChannelMessageEdit(chatID, messageID, text); err != nil {
		return fmt.Errorf("edit discord message: %w", err)
	}
	return nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot's own messages and other bots.
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID = fmt.Sprintf("%s|%s", m.Author.ID, m.Author.Username)
	}

	isDM := m.GuildID == ""
	peerKind := string(sessions.PeerKindFromGroup(!isDM))

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy",
			"peer_kind", peerKind, "sender", m.Author.ID)
		return
	}

	content := m.Content

	// Mention gating in guild channels.
	if !isDM && c.requireMention {
		if !c.isAddressed(m) {
			return
		}
		content = c.stripMention(content)
	}

	var media []string
	for _, att := range m.Attachments {
		media = append(media, "attachment:"+att.Filename)
	}

	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return
	}

	metadata := map[string]string{"message_id": m.ID}
	if m.GuildID != "" {
		metadata["guild_id"] = m.GuildID
	}

	c.HandleMessage(senderID, m.ChannelID, "", content, media, metadata, peerKind)
}

func (c *Channel) isAddressed(m *discordgo.MessageCreate) bool {
	for _, mention := range m.Mentions {
		if mention.ID == c.botUserID {
			return true
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil {
		return ref.Author.ID == c.botUserID
	}
	return false
}

func (c *Channel) stripMention(content string) string {
	content = strings.ReplaceAll(content, "<@"+c.botUserID+">", "")
	content = strings.ReplaceAll(content, "<@!"+c.botUserID+">", "")
	return strings.TrimSpace(content)
}
