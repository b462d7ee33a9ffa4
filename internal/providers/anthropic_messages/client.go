package anthropic_messages

import (
	"bytes"
	"context"
	"encoding/json"
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
	DefaultBaseURL    = "https://api.anthropic.com"
	DefaultVersion    = "2023-06-01"
	defaultMaxTokens  = 1024
	modelsPageSize    = 100
	maxResponseBody   = 4 << 20
	providerAnthropic = providers.Anthropic
)

type Config struct {
	BaseURL    string
	APIKey     string
	Version    string
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
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) ListModels(ctx context.Context) ([]providers.Model, error) {
	var (
		models  []providers.Model
		afterID string
	)
	for {
		q := url.Values{"limit": {fmt.Sprint(modelsPageSize)}}
		if afterID != "" {
			q.Set("after_id", afterID)
		}
		body, err := c.get(ctx, "/v1/models", q)
		if err != nil {
			return nil, err
		}
		var page struct {
			Data []struct {
				ID          string `json:"id"`
				DisplayName string `json:"display_name"`
			} `json:"data"`
			HasMore bool   `json:"has_more"`
			LastID  string `json:"last_id"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, providers.FromTransport(providerAnthropic, fmt.Errorf("decode models response: %w", err))
		}
		for _, m := range page.Data {
			if m.ID == "" {
				continue
			}
			name := m.DisplayName
			if name == "" {
				name = m.ID
			}
			models = append(models, providers.Model{
				ID:           m.ID,
				Name:         name,
				Author:       "Anthropic",
				Provider:     providerAnthropic,
				Enabled:      true,
				Capabilities: providers.Capabilities{TextGeneration: true},
			})
		}
		if !page.HasMore || page.LastID == "" || page.LastID == afterID {
			return models, nil
		}
		afterID = page.LastID
	}
}

func (c *Client) CountInputTokens(ctx context.Context, model string, msgs []providers.Message, opts providers.Options) (int, error) {
	if err := providers.ValidateRequest(providerAnthropic, model, msgs); err != nil {
		return 0, err
	}
	resolved, err := providers.ResolveMessages(ctx, msgs, c.cfg.Resolver)
	if err != nil {
		return 0, err
	}
	payload, err := buildPayload(model, resolved, opts)
	if err != nil {
		return 0, err
	}
	delete(payload, "max_tokens")
	delete(payload, "temperature")
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal count tokens payload: %w", err)
	}

	resp, err := c.post(ctx, "/v1/messages/count_tokens", body, false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return 0, providers.FromTransport(providerAnthropic, fmt.Errorf("decode count tokens response: %w", err))
	}
	return out.InputTokens, nil
}

// SendMessage subscribes to the vendor's event stream and republishes each
// event as it arrives.
func (c *Client) SendMessage(ctx context.Context, model string, msgs []providers.Message, opts providers.Options, cb providers.Callbacks) error {
	if err := providers.ValidateRequest(providerAnthropic, model, msgs); err != nil {
		return err
	}
	resolved, err := providers.ResolveMessages(ctx, msgs, c.cfg.Resolver)
	if err != nil {
		return err
	}
	payload, err := buildPayload(model, resolved, opts)
	if err != nil {
		return err
	}
	payload["stream"] = true
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal messages payload: %w", err)
	}

	em := providers.NewEmitter(cb, c.cfg.Logger)
	resp, err := c.post(ctx, "/v1/messages", body, true)
	if err != nil {
		em.Fail(err)
		return nil
	}
	defer resp.Body.Close()

	stream := &messageStream{}
	stream.
		on("text", func(text string) { em.Text(text) }).
		on("end", func(string) { em.End() }).
		on("error", func(msg string) {
			em.Fail(&providers.Error{Kind: providers.KindUpstream, Provider: providerAnthropic, Message: msg})
		})
	stream.consume(resp.Body)
	return nil
}

func (c *Client) GenerateImage(_ context.Context, _ string, _ providers.ImagePrompt, _ providers.ImageOptions, _ providers.Callbacks) error {
	return providers.Unsupported(providerAnthropic, "image generation")
}

func buildPayload(model string, msgs []providers.ResolvedMessage, opts providers.Options) (map[string]any, error) {
	var (
		system   []string
		messages = make([]map[string]any, 0, len(msgs))
	)
	for _, m := range msgs {
		if m.Role == providers.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		content, err := messageContent(m)
		if err != nil {
			return nil, err
		}
		role := "assistant"
		if m.Role == providers.RoleUser {
			role = "user"
		}
		messages = append(messages, map[string]any{"role": role, "content": content})
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if opts.Temperature != nil {
		payload["temperature"] = *opts.Temperature
	}
	return payload, nil
}

func messageContent(m providers.ResolvedMessage) (any, error) {
	if !m.Multimodal() {
		return m.Text(), nil
	}
	blocks := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case providers.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case providers.PartImage:
			source := map[string]any{"type": "url", "url": p.URL}
			if len(p.Data) > 0 {
				source = map[string]any{"type": "base64", "media_type": p.MimeType, "data": p.Base64()}
			}
			blocks = append(blocks, map[string]any{"type": "image", "source": source})
		default:
			return nil, providers.Unsupported(providerAnthropic, string(p.Type)+" attachments")
		}
	}
	return blocks, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	endpointURL, err := c.buildEndpointURL(path)
	if err != nil {
		return nil, err
	}
	if len(q) > 0 {
		endpointURL += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(providerAnthropic, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, providers.FromTransport(providerAnthropic, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, providers.FromStatus(providerAnthropic, resp.StatusCode, body)
	}
	return body, nil
}

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
		return nil, providers.FromTransport(providerAnthropic, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, providers.FromStatus(providerAnthropic, resp.StatusCode, respBody)
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", c.cfg.Version)
}

func (c *Client) buildEndpointURL(path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
