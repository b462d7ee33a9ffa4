package registry

import (
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"keygate/internal/providers"
	"keygate/internal/providers/anthropic_messages"
	"keygate/internal/providers/google_genai"
	"keygate/internal/providers/openai_compat"
)

const DefaultAppURL = "http://localhost:3000"

// Settings is the per-process part of adapter configuration. Empty base
// URLs fall back to each vendor's public endpoint.
type Settings struct {
	OpenAIBaseURL     string
	OpenRouterBaseURL string
	AnthropicBaseURL  string
	AnthropicVersion  string
	GoogleBaseURL     string
	AppURL            string
	AppName           string
	HTTPClient        *http.Client
	Resolver          providers.AttachmentResolver
	Logger            zerolog.Logger
}

type BuildOptions struct {
	Settings
	Provider providers.ProviderID
	APIKey   string
}

// Build returns a fresh adapter bound to opts.APIKey. Adding a ProviderID
// constant without a case here fails the exhaustiveness test.
func Build(opts BuildOptions) (providers.Provider, error) {
	log := opts.Logger.With().Str("provider", string(opts.Provider)).Logger()

	switch opts.Provider {
	case providers.OpenAI:
		return openai_compat.New(openai_compat.Config{
			Provider:   providers.OpenAI,
			BaseURL:    opts.OpenAIBaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
			Resolver:   opts.Resolver,
			Logger:     log,
		}), nil

	case providers.OpenRouter:
		return openai_compat.New(openai_compat.Config{
			Provider:   providers.OpenRouter,
			BaseURL:    opts.OpenRouterBaseURL,
			APIKey:     opts.APIKey,
			Headers:    attributionHeaders(opts.Settings),
			HTTPClient: opts.HTTPClient,
			Resolver:   opts.Resolver,
			Logger:     log,
		}), nil

	case providers.Anthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:    opts.AnthropicBaseURL,
			APIKey:     opts.APIKey,
			Version:    opts.AnthropicVersion,
			HTTPClient: opts.HTTPClient,
			Resolver:   opts.Resolver,
			Logger:     log,
		}), nil

	case providers.Google:
		return google_genai.New(google_genai.Config{
			BaseURL:    opts.GoogleBaseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
			Resolver:   opts.Resolver,
			Logger:     log,
		}), nil

	default:
		return nil, providers.NewError(providers.KindValidation, opts.Provider, fmt.Sprintf("unsupported provider %q", opts.Provider))
	}
}

func attributionHeaders(s Settings) map[string]string {
	appURL := s.AppURL
	if appURL == "" {
		appURL = DefaultAppURL
	}
	headers := map[string]string{"HTTP-Referer": appURL}
	if s.AppName != "" {
		headers["X-Title"] = s.AppName
	}
	return headers
}
