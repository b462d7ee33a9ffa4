package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"keygate/internal/providers"
)

const (
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

	openAIMessageOverhead = 10
	maxResponseBody       = 4 << 20
)

// Config selects the flavor through Provider: providers.OpenAI or
// providers.OpenRouter. Any other id gets the generic OpenRouter-style model
// normalization.
type Config struct {
	Provider   providers.ProviderID
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
	Resolver   providers.AttachmentResolver
	Logger     zerolog.Logger
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	}
	if cfg.Provider == "" {
		cfg.Provider = providers.OpenAI
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
		if cfg.Provider == providers.OpenRouter {
			cfg.BaseURL = DefaultOpenRouterBaseURL
		}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) ListModels(ctx context.Context) ([]providers.Model, error) {
	body, err := c.get(ctx, "/models")
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, providers.FromTransport(c.cfg.Provider, fmt.Errorf("decode models response: %w", err))
	}

	models := make([]providers.Model, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID == "" {
			continue
		}
		if model, ok := c.normalizeModel(m.ID); ok {
			models = append(models, model)
		}
	}
	return models, nil
}

func (c *Client) normalizeModel(id string) (providers.Model, bool) {
	if c.cfg.Provider == providers.OpenAI {
		if !strings.Contains(id, "gpt") && !strings.Contains(id, "o1") && !strings.Contains(id, "chatgpt") {
			return providers.Model{}, false
		}
		return providers.Model{
			ID:       id,
			Name:     id,
			Author:   "OpenAI",
			Provider: providers.OpenAI,
			Enabled:  strings.Contains(id, "gpt-4") || strings.Contains(id, "gpt-3.5") || strings.Contains(id, "o1"),
			Capabilities: providers.Capabilities{
				TextGeneration:  true,
				ImageAnalysis:   strings.Contains(id, "vision") || strings.Contains(id, "gpt-4"),
				FunctionCalling: !strings.Contains(id, "o1"),
			},
		}, true
	}

	author, name := providers.SplitAuthor(id, "Unknown")
	return providers.Model{
		ID:           id,
		Name:         name,
		Author:       author,
		Provider:     c.cfg.Provider,
		Enabled:      true,
		Capabilities: providers.InferCapabilities(id),
	}, true
}

// CountInputTokens is a local estimate; neither flavor has a counting endpoint.
func (c *Client) CountInputTokens(_ context.Context, model string, msgs []providers.Message, _ providers.Options) (int, error) {
	if err := providers.ValidateRequest(c.cfg.Provider, model, msgs); err != nil {
		return 0, err
	}
	overhead := 0
	if c.cfg.Provider == providers.OpenAI {
		overhead = openAIMessageOverhead
	}
	return providers.EstimateTokens(msgs, overhead), nil
}

func (c *Client) SendMessage(ctx context.Context, model string, msgs []providers.Message, opts providers.Options, cb providers.Callbacks) error {
	if err := providers.ValidateRequest(c.cfg.Provider, model, msgs); err != nil {
		return err
	}
	resolved, err := providers.ResolveMessages(ctx, msgs, c.cfg.Resolver)
	if err != nil {
		return err
	}
	stream := c.supportsStreaming(model)
	body, err := buildChatPayload(model, resolved, opts, stream)
	if err != nil {
		return err
	}

	em := providers.NewEmitter(cb, c.cfg.Logger)
	resp, err := c.post(ctx, "/chat/completions", body, stream)
	if err != nil {
		em.Fail(err)
		return nil
	}
	defer resp.Body.Close()

	if !stream {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			em.Fail(providers.FromTransport(c.cfg.Provider, err))
			return nil
		}
		text, err := parseChatCompletions(raw)
		if err != nil {
			em.Fail(providers.FromTransport(c.cfg.Provider, err))
			return nil
		}
		em.Text(text)
		em.End()
		return nil
	}

	for ev, err := range providers.ReadSSE(resp.Body) {
		if err != nil {
			em.Fail(providers.FromTransport(c.cfg.Provider, err))
			return nil
		}
		if ev.Data == "[DONE]" {
			break
		}
		delta, err := parseStreamChunk(ev.Data)
		if err != nil {
			em.Fail(&providers.Error{Kind: providers.KindUpstream, Provider: c.cfg.Provider, Message: err.Error()})
			return nil
		}
		em.Text(delta)
	}
	em.End()
	return nil
}

// o1 models reject stream=true on the OpenAI API.
func (c *Client) supportsStreaming(model string) bool {
	return c.cfg.Provider != providers.OpenAI || !strings.Contains(model, "o1")
}

func (c *Client) GenerateImage(ctx context.Context, model string, prompt providers.ImagePrompt, opts providers.ImageOptions, cb providers.Callbacks) error {
	text := prompt.String()
	if strings.TrimSpace(model) == "" {
		return providers.NewError(providers.KindValidation, c.cfg.Provider, "model id is empty")
	}
	if strings.TrimSpace(text) == "" {
		return providers.NewError(providers.KindValidation, c.cfg.Provider, "image prompt is empty")
	}
	opts = opts.WithDefaults()

	body, err := json.Marshal(map[string]any{
		"model":   model,
		"prompt":  text,
		"n":       opts.N,
		"size":    opts.Size,
		"quality": opts.Quality,
		"style":   opts.Style,
	})
	if err != nil {
		return fmt.Errorf("marshal image payload: %w", err)
	}

	em := providers.NewEmitter(cb, c.cfg.Logger)
	em.MediaStart(providers.MediaImage)
	fail := func(err error) {
		em.MediaError(err, providers.MediaImage)
		em.Fail(err)
	}

	resp, err := c.post(ctx, "/images/generations", body, false)
	if err != nil {
		fail(err)
		return nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		fail(providers.FromTransport(c.cfg.Provider, err))
		return nil
	}
	var out struct {
		Data []struct {
			URL           string `json:"url"`
			B64JSON       string `json:"b64_json"`
			RevisedPrompt string `json:"revised_prompt"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		fail(providers.FromTransport(c.cfg.Provider, fmt.Errorf("decode image response: %w", err)))
		return nil
	}

	for _, img := range out.Data {
		link := img.URL
		if link == "" && img.B64JSON != "" {
			link = "data:image/png;base64," + img.B64JSON
		}
		if link == "" {
			continue
		}
		em.MediaEnd(link, providers.MediaImage, providers.MediaMetadata{
			Prompt:        text,
			RevisedPrompt: img.RevisedPrompt,
			Model:         model,
			Size:          opts.Size,
			Quality:       opts.Quality,
			Style:         opts.Style,
		})
		em.Text(img.RevisedPrompt)
	}
	em.End()
	return nil
}

func buildChatPayload(model string, msgs []providers.ResolvedMessage, opts providers.Options, stream bool) ([]byte, error) {
	messages := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, map[string]any{
			"role":    chatRole(m.Role),
			"content": chatContent(m),
		})
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if stream {
		payload["stream"] = true
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		payload["temperature"] = *opts.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, nil
}

func chatRole(r providers.Role) string {
	switch r {
	case providers.RoleSystem:
		return "system"
	case providers.RoleUser:
		return "user"
	default:
		return "assistant"
	}
}

func chatContent(m providers.ResolvedMessage) any {
	if !m.Multimodal() {
		return m.Text()
	}
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case providers.PartText:
			parts = append(parts, map[string]any{"type": "text", "text": p.Text})
		case providers.PartImage:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": p.URL},
			})
		case providers.PartAudio:
			parts = append(parts, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": p.Base64(), "format": p.AudioFormat},
			})
		case providers.PartFile:
			parts = append(parts, map[string]any{
				"type": "file",
				"file": map[string]any{
					"file_data": providers.DataURL(p.MimeType, p.Data),
					"filename":  p.Filename,
				},
			})
		}
	}
	return parts
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	endpointURL, err := c.buildEndpointURL(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(c.cfg.Provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, providers.FromTransport(c.cfg.Provider, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.FromStatus(c.cfg.Provider, resp.StatusCode, body)
	}
	return body, nil
}

// post returns the open response on 2xx. The caller closes the body.
func (c *Client) post(ctx context.Context, path string, body []byte, stream bool) (*http.Response, error) {
	endpointURL, err := c.buildEndpointURL(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	c.setHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(c.cfg.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, providers.FromStatus(c.cfg.Provider, resp.StatusCode, respBody)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
}

func (c *Client) buildEndpointURL(path string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

func parseStreamChunk(data string) (string, error) {
	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", fmt.Errorf("decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		msg := chunk.Error.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return "", errors.New(msg)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	return anyToText(resp.Choices[0].Message.Content), nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
