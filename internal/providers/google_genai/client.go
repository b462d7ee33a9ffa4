package google_genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"keygate/internal/providers"
)

const (
	DefaultBaseURL  = "https://generativelanguage.googleapis.com"
	apiVersion      = "/v1beta"
	modelsPageSize  = 1000
	maxResponseBody = 4 << 20
)

type Config struct {
	BaseURL    string
	APIKey     string
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
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) ListModels(ctx context.Context) ([]providers.Model, error) {
	var (
		models    []providers.Model
		pageToken string
	)
	for {
		q := url.Values{"pageSize": {fmt.Sprint(modelsPageSize)}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		body, err := c.get(ctx, "/models", q)
		if err != nil {
			return nil, err
		}
		var page struct {
			Models []struct {
				Name                       string   `json:"name"`
				DisplayName                string   `json:"displayName"`
				SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
			} `json:"models"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, providers.FromTransport(providers.Google, fmt.Errorf("decode models response: %w", err))
		}
		for _, m := range page.Models {
			id := strings.TrimPrefix(m.Name, "models/")
			if id == "" || m.DisplayName == "" || m.SupportedGenerationMethods == nil {
				c.cfg.Logger.Debug().Str("model", m.Name).Msg("skipping model without id, name or methods")
				continue
			}
			models = append(models, providers.Model{
				ID:       id,
				Name:     m.DisplayName,
				Author:   "Google",
				Provider: providers.Google,
				Enabled:  true,
				Capabilities: providers.Capabilities{
					TextGeneration: slices.Contains(m.SupportedGenerationMethods, "generateContent"),
				},
			})
		}
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			return models, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *Client) CountInputTokens(ctx context.Context, model string, msgs []providers.Message, _ providers.Options) (int, error) {
	if err := providers.ValidateRequest(providers.Google, model, msgs); err != nil {
		return 0, err
	}
	resolved, err := providers.ResolveMessages(ctx, msgs, c.cfg.Resolver)
	if err != nil {
		return 0, err
	}
	contents, _ := buildContents(resolved)
	body, err := json.Marshal(map[string]any{"contents": contents})
	if err != nil {
		return 0, fmt.Errorf("marshal count tokens payload: %w", err)
	}

	resp, err := c.post(ctx, modelPath(model)+":countTokens", nil, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&out); err != nil {
		return 0, providers.FromTransport(providers.Google, fmt.Errorf("decode count tokens response: %w", err))
	}
	return out.TotalTokens, nil
}

// SendMessage drains the vendor's chunk sequence in order.
func (c *Client) SendMessage(ctx context.Context, model string, msgs []providers.Message, opts providers.Options, cb providers.Callbacks) error {
	if err := providers.ValidateRequest(providers.Google, model, msgs); err != nil {
		return err
	}
	resolved, err := providers.ResolveMessages(ctx, msgs, c.cfg.Resolver)
	if err != nil {
		return err
	}
	body, err := buildPayload(resolved, opts)
	if err != nil {
		return err
	}

	em := providers.NewEmitter(cb, c.cfg.Logger)
	for text, err := range c.streamGenerate(ctx, model, body) {
		if err != nil {
			em.Fail(err)
			return nil
		}
		em.Text(text)
	}
	em.End()
	return nil
}

func (c *Client) GenerateImage(_ context.Context, _ string, _ providers.ImagePrompt, _ providers.ImageOptions, _ providers.Callbacks) error {
	return providers.Unsupported(providers.Google, "image generation")
}

// streamGenerate yields text chunks. A failure is yielded once and ends the
// sequence.
func (c *Client) streamGenerate(ctx context.Context, model string, body []byte) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := c.post(ctx, modelPath(model)+":streamGenerateContent", url.Values{"alt": {"sse"}}, body)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range providers.ReadSSE(resp.Body) {
			if err != nil {
				yield("", providers.FromTransport(providers.Google, err))
				return
			}
			text, err := parseChunk(ev.Data)
			if err != nil {
				yield("", err)
				return
			}
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func parseChunk(data string) (string, error) {
	var chunk struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", providers.FromTransport(providers.Google, fmt.Errorf("decode stream chunk: %w", err))
	}
	if chunk.Error != nil {
		perr := providers.FromStatus(providers.Google, chunk.Error.Code, nil)
		if chunk.Error.Message != "" {
			perr.Message = chunk.Error.Message
		}
		return "", perr
	}
	if len(chunk.Candidates) == 0 {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range chunk.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

func buildPayload(msgs []providers.ResolvedMessage, opts providers.Options) ([]byte, error) {
	contents, system := buildContents(msgs)
	payload := map[string]any{"contents": contents}
	if system != "" {
		payload["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": system}}}
	}
	gen := map[string]any{}
	if opts.MaxTokens > 0 {
		gen["maxOutputTokens"] = opts.MaxTokens
	}
	if opts.Temperature != nil {
		gen["temperature"] = *opts.Temperature
	}
	if len(gen) > 0 {
		payload["generationConfig"] = gen
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, nil
}

// buildContents maps turns to user/model contents and lifts system turns
// into a separate instruction.
func buildContents(msgs []providers.ResolvedMessage) ([]map[string]any, string) {
	var (
		system   []string
		contents = make([]map[string]any, 0, len(msgs))
	)
	for _, m := range msgs {
		if m.Role == providers.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		role := "model"
		if m.Role == providers.RoleUser {
			role = "user"
		}
		parts := make([]map[string]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch {
			case p.Type == providers.PartText:
				parts = append(parts, map[string]any{"text": p.Text})
			case len(p.Data) > 0:
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{"mimeType": p.MimeType, "data": p.Base64()},
				})
			case p.URL != "":
				parts = append(parts, map[string]any{
					"fileData": map[string]any{"mimeType": p.MimeType, "fileUri": p.URL},
				})
			}
		}
		if len(parts) == 0 {
			parts = append(parts, map[string]any{"text": ""})
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}
	return contents, strings.Join(system, "\n\n")
}

func modelPath(model string) string {
	if strings.HasPrefix(model, "models/") {
		return "/" + model
	}
	return "/models/" + model
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	endpointURL, err := c.buildEndpointURL(path, q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(providers.Google, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, providers.FromTransport(providers.Google, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, path string, q url.Values, body []byte) (*http.Response, error) {
	endpointURL, err := c.buildEndpointURL(path, q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, providers.FromTransport(providers.Google, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return nil, statusError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// statusError maps an invalid key, which the API reports as 400, to an
// authentication failure.
func statusError(status int, body []byte) error {
	perr := providers.FromStatus(providers.Google, status, body)
	if status == http.StatusBadRequest && bytes.Contains(body, []byte("API_KEY_INVALID")) {
		perr.Kind = providers.KindAuthenticationFailed
	}
	return perr
}

func (c *Client) buildEndpointURL(path string, q url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("base url must be absolute")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + apiVersion + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
