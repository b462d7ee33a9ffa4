package registry

import (
	"errors"
	"testing"

	"keygate/internal/providers"
	"keygate/internal/providers/anthropic_messages"
	"keygate/internal/providers/google_genai"
	"keygate/internal/providers/openai_compat"
)

func TestBuildCoversEveryProvider(t *testing.T) {
	for _, id := range providers.All {
		p, err := Build(BuildOptions{Provider: id, APIKey: "k"})
		if err != nil {
			t.Fatalf("build %s: %v", id, err)
		}
		if p == nil {
			t.Fatalf("build %s returned nil adapter", id)
		}
	}
}

func TestBuildSelectsAdapter(t *testing.T) {
	cases := map[providers.ProviderID]func(providers.Provider) bool{
		providers.OpenAI:     func(p providers.Provider) bool { _, ok := p.(*openai_compat.Client); return ok },
		providers.OpenRouter: func(p providers.Provider) bool { _, ok := p.(*openai_compat.Client); return ok },
		providers.Anthropic:  func(p providers.Provider) bool { _, ok := p.(*anthropic_messages.Client); return ok },
		providers.Google:     func(p providers.Provider) bool { _, ok := p.(*google_genai.Client); return ok },
	}
	for id, check := range cases {
		p, err := Build(BuildOptions{Provider: id})
		if err != nil {
			t.Fatalf("build %s: %v", id, err)
		}
		if !check(p) {
			t.Fatalf("unexpected adapter %T for %s", p, id)
		}
	}
}

func TestBuildUnknownProvider(t *testing.T) {
	_, err := Build(BuildOptions{Provider: "mistral"})
	if !errors.Is(err, providers.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAttributionHeaders(t *testing.T) {
	h := attributionHeaders(Settings{})
	if h["HTTP-Referer"] != DefaultAppURL {
		t.Fatalf("expected default referer, got %q", h["HTTP-Referer"])
	}
	if _, ok := h["X-Title"]; ok {
		t.Fatalf("empty app name must not send X-Title")
	}

	h = attributionHeaders(Settings{AppURL: "https://chat.example.com", AppName: "Keygate Chat"})
	if h["HTTP-Referer"] != "https://chat.example.com" || h["X-Title"] != "Keygate Chat" {
		t.Fatalf("unexpected headers %v", h)
	}
}
