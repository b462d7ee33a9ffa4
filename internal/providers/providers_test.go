package providers_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/providers"
)

func TestInferCapabilities(t *testing.T) {
	tests := []struct {
		id   string
		want providers.Capabilities
	}{
		{"gpt-4o", providers.Capabilities{TextGeneration: true, ImageAnalysis: true, FunctionCalling: true}},
		{"o1-mini", providers.Capabilities{TextGeneration: true}},
		{"openai/dall-e-3", providers.Capabilities{ImageGeneration: true, FunctionCalling: true}},
		{"black-forest-labs/flux-1.1-pro", providers.Capabilities{TextGeneration: true, ImageGeneration: true, FunctionCalling: true}},
		{"meta/llama-3.2-vision", providers.Capabilities{TextGeneration: true, ImageAnalysis: true, FunctionCalling: true}},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, providers.InferCapabilities(tt.id))
		})
	}
}

func TestSplitAuthor(t *testing.T) {
	author, name := providers.SplitAuthor("anthropic/claude-3.5-sonnet", "OpenAI")
	assert.Equal(t, "anthropic", author)
	assert.Equal(t, "claude-3.5-sonnet", name)

	author, name = providers.SplitAuthor("a/b/c", "X")
	assert.Equal(t, "a", author)
	assert.Equal(t, "b/c", name)

	author, name = providers.SplitAuthor("gpt-4", "OpenAI")
	assert.Equal(t, "OpenAI", author)
	assert.Equal(t, "gpt-4", name)
}

func TestEstimateTokens(t *testing.T) {
	msgs := []providers.Message{
		providers.TextMessage(providers.RoleUser, strings.Repeat("a", 10)),
		providers.TextMessage(providers.RoleAssistant, strings.Repeat("b", 5)),
	}
	assert.Equal(t, 4, providers.EstimateTokens(msgs, 0))
	assert.Equal(t, 9, providers.EstimateTokens(msgs, 10))
	assert.Equal(t, 0, providers.EstimateTokens(nil, 10))
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		body   string
		target error
		msg    string
	}{
		{http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided"}}`, providers.ErrAuthenticationFailed, "Incorrect API key provided"},
		{http.StatusTooManyRequests, `{"error":"quota exceeded"}`, providers.ErrRateLimited, "quota exceeded"},
		{http.StatusNotFound, `{"message":"model missing"}`, providers.ErrModelNotFound, "model missing"},
		{http.StatusBadGateway, ``, providers.ErrUpstream, "provider status 502: Bad Gateway"},
		{http.StatusBadRequest, `plain text body`, providers.ErrValidation, "plain text body"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := providers.FromStatus(providers.OpenAI, tt.status, []byte(tt.body))
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.msg, providers.ErrorMessage(err))
		})
	}

	assert.NotErrorIs(t, providers.NewError(providers.KindUpstream, "", "x"), providers.ErrUnsupported)
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", providers.Unsupported(providers.Google, "image generation")), providers.ErrUnsupported)

	terr := providers.FromTransport(providers.Anthropic, context.Canceled)
	assert.ErrorIs(t, terr, providers.ErrUpstream)
	assert.ErrorIs(t, terr, context.Canceled)
	assert.Equal(t, "request canceled", terr.Message)

	assert.Equal(t, providers.KindUpstream, providers.KindOf(errors.New("plain")))
}

func TestParseProviderID(t *testing.T) {
	id, err := providers.ParseProviderID(" OpenAI ")
	require.NoError(t, err)
	assert.Equal(t, providers.OpenAI, id)
	assert.True(t, id.Builtin())

	_, err = providers.ParseProviderID("")
	assert.ErrorIs(t, err, providers.ErrValidation)
}

func TestImagePrompt(t *testing.T) {
	assert.Equal(t, "a cat", providers.ImagePrompt{Text: "a cat"}.String())
	p := providers.ImagePrompt{Messages: []providers.Message{
		providers.TextMessage(providers.RoleUser, "first"),
		{Role: providers.RoleUser, Content: []providers.ContentPart{{Text: "a red"}, {AttachmentID: "f1"}, {Text: "fox"}}},
	}}
	assert.Equal(t, "a red\nfox", p.String())
}

func TestValidateRequest(t *testing.T) {
	ok := []providers.Message{providers.TextMessage(providers.RoleUser, "hi")}
	assert.NoError(t, providers.ValidateRequest(providers.OpenAI, "gpt-4o", ok))
	assert.ErrorIs(t, providers.ValidateRequest(providers.OpenAI, "", ok), providers.ErrValidation)
	assert.ErrorIs(t, providers.ValidateRequest(providers.OpenAI, "m", nil), providers.ErrValidation)
	assert.ErrorIs(t, providers.ValidateRequest(providers.OpenAI, "m", []providers.Message{{Role: "robot"}}), providers.ErrValidation)
}
