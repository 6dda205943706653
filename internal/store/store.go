// Package store persists session metadata: which backend session a key maps
// to, the originating route for announcements, and per-session delivery and
// usage counters. Conversation history lives in the agent backend, not here.
package store

import (
	"context"
	"time"
)

// SessionMeta is the persisted record for one session key.
type SessionMeta struct {
	Key       string    `json:"key"`
	AgentID   string    `json:"agentId"`
	Channel   string    `json:"channel,omitempty"`   // originating channel
	ChatID    string    `json:"chatId,omitempty"`    // originating chat
	BackendID string    `json:"backendId,omitempty"` // session ID assigned by the agent backend
	TurnCount int       `json:"turnCount"`

	// Cumulative delivery counters, split by reply kind.
	ToolMsgs  int64 `json:"toolMsgs"`
	BlockMsgs int64 `json:"blockMsgs"`
	FinalMsgs int64 `json:"finalMsgs"`

	// Last context usage reported by the backend.
	ContextUsed float64 `json:"contextUsed,omitempty"`
	ContextSize float64 `json:"contextSize,omitempty"`

	LastError string    `json:"lastError,omitempty"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key       string    `json:"key"`
	Channel   string    `json:"channel,omitempty"`
	TurnCount int       `json:"turnCount"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// SessionStore persists session metadata.
type SessionStore interface {
	// GetOrCreate returns the record for key, creating it if absent.
	GetOrCreate(ctx context.Context, key, agentID string) (*SessionMeta, error)
	// Get returns the record for key, or nil when absent.
	Get(ctx context.Context, key string) (*SessionMeta, error)
	// SetBackendID records the backend-assigned session ID.
	SetBackendID(ctx context.Context, key, backendID string) error
	// SetRoute records the originating channel and chat.
	SetRoute(ctx context.Context, key, channel, chatID string) error
	// RecordTurn bumps the turn counter and the per-kind delivery counters.
	RecordTurn(ctx context.Context, key string, tool, block, final int) error
	// RecordUsage stores the last reported context usage.
	RecordUsage(ctx context.Context, key string, used, size float64) error
	// RecordError stores the last turn error (empty clears it).
	RecordError(ctx context.Context, key, msg string) error
	// List returns sessions for an agent, most recently updated first.
	List(ctx context.Context, agentID string) ([]SessionInfo, error)
	// LastUsedRoute returns the route of the most recently updated session
	// that has one. Used as the announcement fallback target.
	LastUsedRoute(ctx context.Context, agentID string) (channel, chatID string, err error)
	Delete(ctx context.Context, key string) error
	Close() error
}
