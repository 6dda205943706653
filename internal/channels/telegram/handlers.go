package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/sessions"
)

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(_ context.Context, message *telego.Message) {
	// Skip service messages (member added/removed, title changed, etc.).
	if isServiceMessage(message) {
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = fmt.Sprintf("%s|%s", userID, user.Username)
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := string(sessions.PeerKindFromGroup(isGroup))

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if !c.CheckPolicy(peerKind, c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy",
			"peer_kind", peerKind, "user_id", userID)
		return
	}

	text := message.Text
	if text == "" {
		text = message.Caption
	}

	// Mention gating: in groups, only respond when the bot is addressed
	// (mention or reply to the bot).
	if isGroup && c.requireMention {
		if !c.isAddressed(message, text) {
			return
		}
		text = c.stripMention(text)
	}

	if strings.TrimSpace(text) == "" && len(mediaLabels(message)) == 0 {
		return
	}

	// Forum topics get their own thread ID so replies land in the topic.
	// For non-forum groups message_thread_id is reply context, not a topic.
	threadID := ""
	if isGroup && message.Chat.IsForum {
		topicID := message.MessageThreadID
		if topicID == 0 {
			topicID = telegramGeneralTopicID
		}
		threadID = strconv.Itoa(topicID)
	}

	metadata := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
	}
	if user.Username != "" {
		metadata["username"] = user.Username
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	c.HandleMessage(senderID, chatID, threadID, text, mediaLabels(message), metadata, peerKind)
}

// isAddressed reports whether a group message targets the bot.
func (c *Channel) isAddressed(message *telego.Message, text string) bool {
	botUsername := c.bot.Username()
	if botUsername != "" && strings.Contains(text, "@"+botUsername) {
		return true
	}
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil {
		return reply.From.Username == botUsername
	}
	return false
}

func (c *Channel) stripMention(text string) string {
	botUsername := c.bot.Username()
	if botUsername == "" {
		return text
	}
	return strings.TrimSpace(strings.ReplaceAll(text, "@"+botUsername, ""))
}

// mediaLabels describes attached media without downloading it. The prompt
// carries the labels so the agent knows media arrived.
func mediaLabels(message *telego.Message) []string {
	var labels []string
	if len(message.Photo) > 0 {
		labels = append(labels, "photo")
	}
	if message.Voice != nil {
		labels = append(labels, "voice")
	}
	if message.Audio != nil {
		labels = append(labels, "audio")
	}
	if message.Document != nil {
		labels = append(labels, "document:"+message.Document.FileName)
	}
	if message.Video != nil {
		labels = append(labels, "video")
	}
	return labels
}

// isServiceMessage filters join/leave/title-change notifications, which have
// no user content.
func isServiceMessage(message *telego.Message) bool {
	return len(message.NewChatMembers) > 0 ||
		message.LeftChatMember != nil ||
		message.NewChatTitle != "" ||
		message.NewChatPhoto != nil ||
		message.PinnedMessage != nil
}
