package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID: DefaultAgentID,
		},
		Runtime: RuntimeConfig{
			URL:                 "ws://127.0.0.1:8137/acp",
			HandshakeTimeoutSec: 10,
			TurnTimeoutSec:      600,
			ReconnectBaseMs:     500,
			ReconnectMaxMs:      30000,
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
			DedupeTTLSec:    60,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "~/.agentgate/agentgate.db",
		},
		Cron: CronConfig{
			MaxRetries:     3,
			RetryBaseDelay: "2s",
			RetryMaxDelay:  "30s",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
// A missing file is not an error — defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("AGENTGATE_AGENT_ID", &c.Agent.ID)
	envStr("AGENTGATE_RUNTIME_URL", &c.Runtime.URL)
	envStr("AGENTGATE_RUNTIME_TOKEN", &c.Runtime.Token)
	envStr("AGENTGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("AGENTGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("AGENTGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// TTS secrets
	envStr("AGENTGATE_TTS_OPENAI_API_KEY", &c.Tts.OpenAI.APIKey)
	envStr("AGENTGATE_TTS_ELEVENLABS_API_KEY", &c.Tts.ElevenLabs.APIKey)

	// Auto-enable channels if credentials are provided via env
	if os.Getenv("AGENTGATE_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("AGENTGATE_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	// Gateway host/port
	envStr("AGENTGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("AGENTGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Database
	envStr("AGENTGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTGATE_DB_DRIVER", &c.Database.Driver)
	envStr("AGENTGATE_DB_PATH", &c.Database.Path)

	// Telemetry
	envStr("AGENTGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTGATE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("AGENTGATE_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after reloading config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file, secrets stripped.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the gateway config.get handler to avoid exposing secrets to clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Tts.OpenAI.APIKey)
	maskNonEmpty(&cp.Tts.ElevenLabs.APIKey)

	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk so secrets never persist in config.json.
func (c *Config) StripSecrets() {
	c.Gateway.Token = ""
	c.Channels.Telegram.Token = ""
	c.Channels.Discord.Token = ""
	c.Tts.OpenAI.APIKey = ""
	c.Tts.ElevenLabs.APIKey = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// DatabasePath returns the expanded sqlite database path.
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.Path)
}
