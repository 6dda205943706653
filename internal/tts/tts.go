// Package tts converts reply text to speech before delivery. Synthesis
// failures never block a reply: the caller falls back to the text payload.
package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/acp"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

const (
	defaultMaxLength = 1500
	defaultTimeout   = 30 * time.Second

	// voiceTag marks a reply the agent wants spoken (auto mode "tagged").
	voiceTag = "[voice]"
)

// provider turns text into an audio file and returns its path.
type provider interface {
	Synthesize(ctx context.Context, text, outPath string) error
	Name() string
}

// Synthesizer applies the configured TTS provider to outgoing payloads.
type Synthesizer struct {
	cfg      config.TtsConfig
	provider provider
	outDir   string
}

// New builds a synthesizer from config. Returns nil when TTS is off or no
// provider is usable — callers treat a nil synthesizer as pass-through.
func New(cfg config.TtsConfig) *Synthesizer {
	if cfg.Auto == "" || cfg.Auto == "off" {
		return nil
	}

	var p provider
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAI.APIKey != "" {
			p = newOpenAIProvider(cfg.OpenAI)
		}
	case "elevenlabs":
		if cfg.ElevenLabs.APIKey != "" {
			p = newElevenLabsProvider(cfg.ElevenLabs)
		}
	}
	if p == nil {
		slog.Warn("tts: enabled but no usable provider, disabling",
			"provider", cfg.Provider)
		return nil
	}

	outDir := os.TempDir()
	return &Synthesizer{cfg: cfg, provider: p, outDir: outDir}
}

// Func adapts the synthesizer to the delivery pipeline. Safe on a nil
// receiver: payloads pass through unchanged.
func (s *Synthesizer) Func() acp.TTSFunc {
	if s == nil {
		return nil
	}
	return s.Apply
}

// Apply synthesizes payload text into an audio attachment. Payloads that
// should not be spoken pass through unchanged.
func (s *Synthesizer) Apply(ctx context.Context, payload acp.ReplyPayload, kind acp.DeliveryKind) (acp.ReplyPayload, error) {
	if !s.applies(payload, kind) {
		return payload, nil
	}

	text := payload.Text
	if s.cfg.Auto == "tagged" {
		text = strings.TrimSpace(strings.ReplaceAll(text, voiceTag, ""))
		payload.Text = text
	}
	maxLen := s.cfg.MaxLength
	if maxLen <= 0 {
		maxLen = defaultMaxLength
	}
	if len(text) > maxLen {
		text = text[:maxLen]
	}

	timeout := defaultTimeout
	if s.cfg.TimeoutMs > 0 {
		timeout = time.Duration(s.cfg.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outPath := fmt.Sprintf("%s/agentgate-tts-%s.mp3", s.outDir, uuid.NewString())
	if err := s.provider.Synthesize(ctx, text, outPath); err != nil {
		return payload, fmt.Errorf("tts %s: %w", s.provider.Name(), err)
	}

	payload.MediaURL = outPath
	return payload, nil
}

// applies decides whether this payload gets spoken.
func (s *Synthesizer) applies(payload acp.ReplyPayload, kind acp.DeliveryKind) bool {
	if strings.TrimSpace(payload.Text) == "" {
		return false
	}
	// Payloads that already carry media keep it.
	if payload.MediaURL != "" || len(payload.MediaURLs) > 0 {
		return false
	}

	mode := s.cfg.Mode
	if mode == "" {
		mode = "final"
	}
	if mode == "final" && kind != acp.KindFinal {
		return false
	}

	switch s.cfg.Auto {
	case "always":
		return true
	case "tagged":
		return strings.Contains(payload.Text, voiceTag)
	default:
		return false
	}
}
