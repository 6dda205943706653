package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the AgentGate runtime.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Tts       TtsConfig       `json:"tts,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig identifies the agent served by this gateway.
type AgentConfig struct {
	ID          string `json:"id,omitempty"`           // default "default"
	DisplayName string `json:"display_name,omitempty"` // shown in channel messages / gateway UI
}

// RuntimeConfig configures the connection to the agent backend.
type RuntimeConfig struct {
	URL                 string `json:"url"`                              // WebSocket endpoint, e.g. "ws://127.0.0.1:8137/acp"
	Token               string `json:"-"`                                // from env AGENTGATE_RUNTIME_TOKEN only
	HandshakeTimeoutSec int    `json:"handshake_timeout_sec,omitempty"`  // default 10
	TurnTimeoutSec      int    `json:"turn_timeout_sec,omitempty"`       // max wall time per turn (default 600, 0 = unlimited)
	ReconnectBaseMs     int    `json:"reconnect_base_ms,omitempty"`      // initial reconnect backoff (default 500)
	ReconnectMaxMs      int    `json:"reconnect_max_ms,omitempty"`       // backoff ceiling (default 30000)
}

// DispatchConfig controls turn dispatch and reply delivery behaviour.
type DispatchConfig struct {
	Enabled            *bool           `json:"enabled,omitempty"`              // default true
	SendToolSummaries  *bool           `json:"send_tool_summaries,omitempty"`  // default true
	RouteToOriginating *bool           `json:"route_to_originating,omitempty"` // default true
	TagVisibility      map[string]bool `json:"tag_visibility,omitempty"`       // per-tag overrides on top of defaults
}

// IsEnabled reports whether turn dispatch is enabled (default true).
func (d DispatchConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ToolSummariesEnabled reports whether tool summaries are delivered (default true).
func (d DispatchConfig) ToolSummariesEnabled() bool {
	return d.SendToolSummaries == nil || *d.SendToolSummaries
}

// RoutesToOriginating reports whether replies route back to the originating
// chat (default true). When false replies go through the direct dispatcher only.
func (d DispatchConfig) RoutesToOriginating() bool {
	return d.RouteToOriginating == nil || *d.RouteToOriginating
}

// DatabaseConfig selects the session-metadata store.
// PostgresDSN is NEVER read from config.json (secret) — only from env AGENTGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`   // sqlite file (default "~/.agentgate/agentgate.db")
	PostgresDSN string `json:"-"`                // from env AGENTGATE_POSTGRES_DSN only
}

// IsPostgres returns true when the store should run against Postgres.
func (c *Config) IsPostgres() bool {
	return c.Database.Driver == "postgres" && c.Database.PostgresDSN != ""
}

// SessionsConfig controls session key scoping and metadata storage.
type SessionsConfig struct {
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default)
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main", used when dm_scope="main")
}

// TelemetryConfig configures OpenTelemetry export for turn spans.
// When enabled, spans are exported to an OTLP-compatible backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (set true for local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "agentgate")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// CronConfig configures scheduled announcement turns.
type CronConfig struct {
	Jobs           []CronJob `json:"jobs,omitempty"`
	MaxRetries     int       `json:"max_retries,omitempty"`      // max retry attempts on failure (default 3, 0 = no retry)
	RetryBaseDelay string    `json:"retry_base_delay,omitempty"` // initial backoff delay (default "2s", Go duration)
	RetryMaxDelay  string    `json:"retry_max_delay,omitempty"`  // maximum backoff delay (default "30s", Go duration)
}

// CronJob is a single scheduled prompt.
type CronJob struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`          // cron expression ("*/5 * * * *")
	Prompt   string `json:"prompt"`            // prompt dispatched on each run
	Channel  string `json:"channel,omitempty"` // announcement target channel
	To       string `json:"to,omitempty"`      // announcement target chat ID
	Enabled  *bool  `json:"enabled,omitempty"` // default true
}

// IsEnabled reports whether the job should be scheduled (default true).
func (j CronJob) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Runtime = src.Runtime
	c.Dispatch = src.Dispatch
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Database = src.Database
	c.Tts = src.Tts
	c.Cron = src.Cron
	c.Telemetry = src.Telemetry
}

// Hash returns a SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// AgentID returns the configured agent ID, defaulting to "default".
func (c *Config) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.ID != "" {
		return c.Agent.ID
	}
	return DefaultAgentID
}

// ResolveDisplayName returns the display name for the agent.
// Falls back to "AgentGate" if not configured.
func (c *Config) ResolveDisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Agent.DisplayName != "" {
		return c.Agent.DisplayName
	}
	return "AgentGate"
}

// DefaultAgentID is used when no agent ID is configured.
const DefaultAgentID = "default"
