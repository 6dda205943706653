package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.ID != "default" {
		t.Errorf("Agent.ID = %q, want %q", cfg.Agent.ID, "default")
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("Gateway.Port = %d, want 18790", cfg.Gateway.Port)
	}
	if cfg.Runtime.URL == "" {
		t.Error("Runtime.URL should have a default")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "sqlite")
	}
	if !cfg.Dispatch.IsEnabled() {
		t.Error("dispatch should be enabled by default")
	}
	if !cfg.Dispatch.ToolSummariesEnabled() {
		t.Error("tool summaries should be enabled by default")
	}
	if !cfg.Dispatch.RoutesToOriginating() {
		t.Error("route-to-originating should be enabled by default")
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("Gateway.Port = %d, want default 18790", cfg.Gateway.Port)
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// gateway settings
		"gateway": { "port": 9999 },
		"channels": {
			"telegram": { "enabled": true, "allow_from": [123, "456"] },
		},
		"dispatch": { "send_tool_summaries": false },
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Gateway.Port = %d, want 9999", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should be enabled")
	}
	want := []string{"123", "456"}
	got := cfg.Channels.Telegram.AllowFrom
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("AllowFrom = %v, want %v", got, want)
	}
	if cfg.Dispatch.ToolSummariesEnabled() {
		t.Error("tool summaries should be disabled by explicit false")
	}
	if !cfg.Dispatch.IsEnabled() {
		t.Error("dispatch should stay enabled when unset")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTGATE_TELEGRAM_TOKEN", "env-token")
	t.Setenv("AGENTGATE_PORT", "8111")
	t.Setenv("AGENTGATE_RUNTIME_URL", "ws://agent:9000/acp")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-token" {
		t.Errorf("Telegram.Token = %q, want env value", cfg.Channels.Telegram.Token)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should auto-enable when token comes from env")
	}
	if cfg.Gateway.Port != 8111 {
		t.Errorf("Gateway.Port = %d, want 8111", cfg.Gateway.Port)
	}
	if cfg.Runtime.URL != "ws://agent:9000/acp" {
		t.Errorf("Runtime.URL = %q", cfg.Runtime.URL)
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret-token"
	cfg.Channels.Telegram.Token = "tg-token"

	masked := cfg.MaskedCopy()
	if masked.Gateway.Token != "***" {
		t.Errorf("Gateway.Token = %q, want masked", masked.Gateway.Token)
	}
	if masked.Channels.Telegram.Token != "***" {
		t.Errorf("Telegram.Token = %q, want masked", masked.Channels.Telegram.Token)
	}
	// original untouched
	if cfg.Gateway.Token != "secret-token" {
		t.Error("MaskedCopy must not mutate the original")
	}
}

func TestRuntimeTokenNeverSerialized(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Token = "super-secret"
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("empty marshal")
	}
	if strings.Contains(string(data), "super-secret") {
		t.Error("runtime token must not appear in serialized config")
	}
}

func TestReplaceFromAndHash(t *testing.T) {
	a := Default()
	b := Default()
	b.Gateway.Port = 7000

	if a.Hash() == b.Hash() {
		t.Fatal("configs with different ports should hash differently")
	}

	a.ReplaceFrom(b)
	if a.Gateway.Port != 7000 {
		t.Errorf("Gateway.Port = %d after ReplaceFrom, want 7000", a.Gateway.Port)
	}
	if a.Hash() != b.Hash() {
		t.Error("hashes should match after ReplaceFrom")
	}
}
