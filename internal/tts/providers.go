package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// openaiProvider calls the OpenAI speech endpoint.
type openaiProvider struct {
	cfg    config.TtsOpenAIConfig
	client *http.Client
}

func newOpenAIProvider(cfg config.TtsOpenAIConfig) *openaiProvider {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini-tts"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	return &openaiProvider{cfg: cfg, client: &http.Client{}}
}

func (p *openaiProvider) Name() string { return "openai" }

func (p *openaiProvider) Synthesize(ctx context.Context, text, outPath string) error {
	body, _ := json.Marshal(map[string]any{
		"model":           p.cfg.Model,
		"voice":           p.cfg.Voice,
		"input":           text,
		"response_format": "mp3",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.APIBase+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	return fetchAudio(p.client, req, outPath)
}

// elevenLabsProvider calls the ElevenLabs text-to-speech endpoint.
type elevenLabsProvider struct {
	cfg    config.TtsElevenLabsConfig
	client *http.Client
}

func newElevenLabsProvider(cfg config.TtsElevenLabsConfig) *elevenLabsProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = "pMsXgVXv3BLzUgSXRplE"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	return &elevenLabsProvider{cfg: cfg, client: &http.Client{}}
}

func (p *elevenLabsProvider) Name() string { return "elevenlabs" }

func (p *elevenLabsProvider) Synthesize(ctx context.Context, text, outPath string) error {
	body, _ := json.Marshal(map[string]any{
		"text":     text,
		"model_id": p.cfg.ModelID,
	})

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", p.cfg.BaseURL, p.cfg.VoiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	return fetchAudio(p.client, req, outPath)
}

// fetchAudio executes req and streams the audio response body to outPath.
func fetchAudio(client *http.Client, req *http.Request, outPath string) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(outPath)
		return err
	}
	return nil
}
