// Package sessions builds and parses canonical session keys.
//
// Session keys follow the format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:          {channel}:direct:{peerId}
//	Group:       {channel}:group:{groupId}
//	Forum topic: {channel}:group:{groupId}:topic:{topicId}
//	Cron:        cron:{jobId}:run:{runId}
//
// Examples:
//
//	agent:default:telegram:direct:386246614
//	agent:default:discord:group:109877234
//	agent:default:telegram:group:-100123456:topic:99
//	agent:default:cron:reminder:run:abc123
//
// The key doubles as the ACP session identity: the runtime manager keeps one
// backend session per key, and the turn consumer derives the originating
// channel for reply routing by parsing the rest segment.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	DM:    agent:{agentId}:{channel}:direct:{peerID}
//	Group: agent:{agentId}:{channel}:group:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildGroupTopicSessionKey builds the session key for a forum group topic,
// isolating per-topic history.
//
//	agent:{agentId}:{channel}:group:{chatID}:topic:{topicID}
func BuildGroupTopicSessionKey(agentID, channel, chatID string, topicID int) string {
	return fmt.Sprintf("agent:%s:%s:group:%s:topic:%d", agentID, channel, chatID, topicID)
}

// BuildCronSessionKey builds the session key for a cron job run.
//
//	agent:{agentId}:cron:{jobID}:run:{runID}
//
// Guards against double-prefixing: if jobID is already a canonical session
// key, only the rest part is used.
func BuildCronSessionKey(agentID, jobID, runID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}

// BuildAgentMainSessionKey builds the shared "main" session key for an agent.
// Used when dm_scope="main" — all DMs share one session per agent.
//
//	agent:{agentId}:{mainKey}
func BuildAgentMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// BuildScopedSessionKey builds the session key based on scope config.
//
// scope:
//   - "global"     → "global"
//   - "per-sender" → depends on dmScope (default)
//
// dmScope (for DMs only — groups always use the full key):
//   - "main"             → agent:{agentId}:{mainKey}
//   - "per-peer"         → agent:{agentId}:direct:{peerId}
//   - "per-channel-peer" → agent:{agentId}:{channel}:direct:{peerId}  (default)
func BuildScopedSessionKey(agentID, channel string, kind PeerKind, chatID, scope, dmScope, mainKey string) string {
	if scope == "global" {
		return "global"
	}

	if kind == PeerGroup {
		return BuildSessionKey(agentID, channel, kind, chatID)
	}

	switch dmScope {
	case "main":
		return BuildAgentMainSessionKey(agentID, mainKey)
	case "per-peer":
		return fmt.Sprintf("agent:%s:direct:%s", agentID, chatID)
	default: // "per-channel-peer" or empty
		return BuildSessionKey(agentID, channel, kind, chatID)
	}
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerRoute is the originating chat destination encoded in a session key.
type PeerRoute struct {
	Channel string
	Kind    PeerKind
	ChatID  string
	TopicID string // forum topic id, empty outside group topics
}

// ParsePeerRoute extracts the originating route from a session key. Returns
// ok=false for non-peer sessions (cron, main, global).
func ParsePeerRoute(key string) (PeerRoute, bool) {
	_, rest := ParseSessionKey(key)
	if rest == "" {
		return PeerRoute{}, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) < 3 {
		return PeerRoute{}, false
	}
	kind := PeerKind(parts[1])
	if kind != PeerDirect && kind != PeerGroup {
		return PeerRoute{}, false
	}

	route := PeerRoute{Channel: parts[0], Kind: kind, ChatID: parts[2]}
	if i := strings.Index(route.ChatID, ":topic:"); i >= 0 {
		route.TopicID = route.ChatID[i+len(":topic:"):]
		route.ChatID = route.ChatID[:i]
	}
	return route, true
}

// IsCronSession checks if a session key indicates a cron session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "cron:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
