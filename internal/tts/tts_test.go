package tts

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/agentgate/internal/acp"
	"github.com/nextlevelbuilder/agentgate/internal/config"
)

type fakeProvider struct {
	err   error
	calls int
	text  string
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Synthesize(ctx context.Context, text, outPath string) error {
	f.calls++
	f.text = text
	return f.err
}

func TestNew_DisabledReturnsNil(t *testing.T) {
	if s := New(config.TtsConfig{}); s != nil {
		t.Error("New() with no auto mode should return nil")
	}
	if s := New(config.TtsConfig{Auto: "off", Provider: "openai"}); s != nil {
		t.Error("New() with auto=off should return nil")
	}
	// Enabled but missing credentials.
	if s := New(config.TtsConfig{Auto: "always", Provider: "openai"}); s != nil {
		t.Error("New() without API key should return nil")
	}
}

func TestNilSynthesizerFuncIsNil(t *testing.T) {
	var s *Synthesizer
	if s.Func() != nil {
		t.Error("nil synthesizer should produce a nil TTSFunc")
	}
}

func TestApply_FinalModeSkipsToolAndBlock(t *testing.T) {
	fake := &fakeProvider{}
	s := &Synthesizer{cfg: config.TtsConfig{Auto: "always", Mode: "final"}, provider: fake, outDir: t.TempDir()}

	for _, kind := range []acp.DeliveryKind{acp.KindTool, acp.KindBlock} {
		got, err := s.Apply(context.Background(), acp.ReplyPayload{Text: "hello"}, kind)
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", kind, err)
		}
		if got.MediaURL != "" {
			t.Errorf("Apply(%s) should pass through, got media %q", kind, got.MediaURL)
		}
	}
	if fake.calls != 0 {
		t.Errorf("provider called %d times for non-final kinds", fake.calls)
	}
}

func TestApply_FinalSynthesized(t *testing.T) {
	fake := &fakeProvider{}
	s := &Synthesizer{cfg: config.TtsConfig{Auto: "always"}, provider: fake, outDir: t.TempDir()}

	got, err := s.Apply(context.Background(), acp.ReplyPayload{Text: "hello"}, acp.KindFinal)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got.MediaURL == "" {
		t.Error("final payload should gain an audio attachment")
	}
	if got.Text != "hello" {
		t.Errorf("Text = %q, want preserved", got.Text)
	}
	if fake.calls != 1 {
		t.Errorf("provider calls = %d, want 1", fake.calls)
	}
}

func TestApply_TaggedOnlySpeaksTaggedText(t *testing.T) {
	fake := &fakeProvider{}
	s := &Synthesizer{cfg: config.TtsConfig{Auto: "tagged"}, provider: fake, outDir: t.TempDir()}

	got, err := s.Apply(context.Background(), acp.ReplyPayload{Text: "plain reply"}, acp.KindFinal)
	if err != nil || got.MediaURL != "" {
		t.Errorf("untagged text should pass through, got %+v err %v", got, err)
	}

	got, err = s.Apply(context.Background(), acp.ReplyPayload{Text: "[voice] read this"}, acp.KindFinal)
	if err != nil {
		t.Fatal(err)
	}
	if got.MediaURL == "" {
		t.Error("tagged text should be synthesized")
	}
	if got.Text != "read this" {
		t.Errorf("Text = %q, want tag stripped", got.Text)
	}
	if fake.text != "read this" {
		t.Errorf("spoken text = %q, want tag stripped", fake.text)
	}
}

func TestApply_ProviderErrorReturnsOriginal(t *testing.T) {
	fake := &fakeProvider{err: errors.New("quota exceeded")}
	s := &Synthesizer{cfg: config.TtsConfig{Auto: "always"}, provider: fake, outDir: t.TempDir()}

	got, err := s.Apply(context.Background(), acp.ReplyPayload{Text: "hello"}, acp.KindFinal)
	if err == nil {
		t.Fatal("Apply() should surface the provider error")
	}
	if got.Text != "hello" || got.MediaURL != "" {
		t.Errorf("payload should be unchanged on error, got %+v", got)
	}
}

func TestApply_ExistingMediaPassesThrough(t *testing.T) {
	fake := &fakeProvider{}
	s := &Synthesizer{cfg: config.TtsConfig{Auto: "always"}, provider: fake, outDir: t.TempDir()}

	got, err := s.Apply(context.Background(),
		acp.ReplyPayload{Text: "caption", MediaURL: "/tmp/pic.png"}, acp.KindFinal)
	if err != nil {
		t.Fatal(err)
	}
	if got.MediaURL != "/tmp/pic.png" {
		t.Errorf("MediaURL = %q, want original", got.MediaURL)
	}
	if fake.calls != 0 {
		t.Error("provider should not run for payloads that already carry media")
	}
}

func TestApply_TruncatesLongText(t *testing.T) {
	fake := &fakeProvider{}
	s := &Synthesizer{cfg: config.TtsConfig{Auto: "always", MaxLength: 5}, provider: fake, outDir: t.TempDir()}

	if _, err := s.Apply(context.Background(), acp.ReplyPayload{Text: "0123456789"}, acp.KindFinal); err != nil {
		t.Fatal(err)
	}
	if fake.text != "01234" {
		t.Errorf("spoken text = %q, want truncated to 5 chars", fake.text)
	}
}
