package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"keygate/internal/providers"
)

type recorded struct {
	text   []string
	ends   int
	errors []string
	media  []string
}

func (r *recorded) callbacks() providers.CallbackFuncs {
	return providers.CallbackFuncs{
		Text:  func(c string) error { r.text = append(r.text, c); return nil },
		End:   func() error { r.ends++; return nil },
		Error: func(m string) error { r.errors = append(r.errors, m); return nil },
		MediaStart: func(k providers.MediaKind) error {
			r.media = append(r.media, "start:"+string(k))
			return nil
		},
		MediaEnd: func(url string, _ providers.MediaKind, meta providers.MediaMetadata) error {
			r.media = append(r.media, "end:"+url+":"+meta.Size)
			return nil
		},
		MediaError: func(m string, _ providers.MediaKind) error {
			r.media = append(r.media, "error:"+m)
			return nil
		},
	}
}

func newTestClient(t *testing.T, provider providers.ProviderID, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		Provider:   provider,
		BaseURL:    srv.URL + "/v1",
		APIKey:     "sk-test",
		HTTPClient: srv.Client(),
		Headers:    map[string]string{"HTTP-Referer": "http://localhost:3000", "X-Title": "keygate"},
		Logger:     zerolog.Nop(),
	})
}

func TestListModelsOpenAIFilter(t *testing.T) {
	c := newTestClient(t, providers.OpenAI, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		fmt.Fprint(w, `{"data":[{"id":"gpt-4o"},{"id":"o1-mini"},{"id":"whisper-1"},{"id":"dall-e-3"},{"id":"gpt-3.5-turbo"}]}`)
	})

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 chat models, got %d: %+v", len(models), models)
	}
	if models[0].ID != "gpt-4o" || models[0].Author != "OpenAI" || !models[0].Capabilities.ImageAnalysis {
		t.Fatalf("unexpected first model %+v", models[0])
	}
	if models[1].Capabilities.FunctionCalling {
		t.Fatalf("o1 model must not report function calling")
	}
	if !models[2].Enabled {
		t.Fatalf("gpt-3.5 should be enabled")
	}
}

func TestListModelsOpenRouter(t *testing.T) {
	c := newTestClient(t, providers.OpenRouter, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Title") != "keygate" || r.Header.Get("HTTP-Referer") == "" {
			t.Errorf("attribution headers missing")
		}
		fmt.Fprint(w, `{"data":[{"id":"anthropic/claude-3.5-sonnet"},{"id":"openai/dall-e-3"},{"id":""}]}`)
	})

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].Author != "anthropic" || models[0].Name != "claude-3.5-sonnet" {
		t.Fatalf("unexpected split %+v", models[0])
	}
	if !models[1].Capabilities.ImageGeneration || models[1].Capabilities.TextGeneration {
		t.Fatalf("unexpected dall-e capabilities %+v", models[1].Capabilities)
	}
}

func TestListModelsAuthFailure(t *testing.T) {
	c := newTestClient(t, providers.OpenAI, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided: sk-test"}}`)
	})

	_, err := c.ListModels(context.Background())
	if !errors.Is(err, providers.ErrAuthenticationFailed) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if providers.ErrorMessage(err) != "Incorrect API key provided: sk-test" {
		t.Fatalf("vendor message not passed through: %q", providers.ErrorMessage(err))
	}
}

func TestSendMessageStreams(t *testing.T) {
	var payload map[string]any
	c := newTestClient(t, providers.OpenRouter, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{"a", "", "b", "c"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	temp := 0.2
	rec := &recorded{}
	msgs := []providers.Message{
		providers.TextMessage(providers.RoleSystem, "be brief"),
		providers.TextMessage(providers.RoleUser, "hi"),
	}
	if err := c.SendMessage(context.Background(), "openai/gpt-4o", msgs, providers.Options{MaxTokens: 50, Temperature: &temp}, rec.callbacks()); err != nil {
		t.Fatalf("send message: %v", err)
	}

	if strings.Join(rec.text, ",") != "a,b,c" || rec.ends != 1 || len(rec.errors) != 0 {
		t.Fatalf("unexpected callbacks text=%v ends=%d errors=%v", rec.text, rec.ends, rec.errors)
	}
	if payload["stream"] != true || payload["max_tokens"] != float64(50) || payload["temperature"] != 0.2 {
		t.Fatalf("unexpected payload %v", payload)
	}
	messages := payload["messages"].([]any)
	if first := messages[0].(map[string]any); first["role"] != "system" || first["content"] != "be brief" {
		t.Fatalf("unexpected first message %v", first)
	}
}

func TestSendMessageO1IsNotStreamed(t *testing.T) {
	c := newTestClient(t, providers.OpenAI, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if _, ok := payload["stream"]; ok {
			t.Errorf("o1 request must not stream")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"thought about it"}}]}`)
	})

	rec := &recorded{}
	err := c.SendMessage(context.Background(), "o1-preview", []providers.Message{providers.TextMessage(providers.RoleUser, "q")}, providers.Options{}, rec.callbacks())
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if len(rec.text) != 1 || rec.text[0] != "thought about it" || rec.ends != 1 {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
}

func TestSendMessageUpstreamErrorUsesOnError(t *testing.T) {
	c := newTestClient(t, providers.OpenAI, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"You exceeded your current quota"}}`)
	})

	rec := &recorded{}
	err := c.SendMessage(context.Background(), "gpt-4o", []providers.Message{providers.TextMessage(providers.RoleUser, "q")}, providers.Options{}, rec.callbacks())
	if err != nil {
		t.Fatalf("mid-stream failures must not be returned: %v", err)
	}
	if rec.ends != 0 || len(rec.errors) != 1 || rec.errors[0] != "You exceeded your current quota" {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
}

func TestSendMessageStreamError(t *testing.T) {
	c := newTestClient(t, providers.OpenRouter, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"provider overloaded\"}}\n\n")
	})

	rec := &recorded{}
	_ = c.SendMessage(context.Background(), "x/y", []providers.Message{providers.TextMessage(providers.RoleUser, "q")}, providers.Options{}, rec.callbacks())
	if len(rec.text) != 1 || rec.ends != 0 || len(rec.errors) != 1 || rec.errors[0] != "provider overloaded" {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
}

func TestSendMessageValidation(t *testing.T) {
	c := New(Config{Provider: providers.OpenAI, Logger: zerolog.Nop()})
	rec := &recorded{}
	err := c.SendMessage(context.Background(), "", []providers.Message{providers.TextMessage(providers.RoleUser, "q")}, providers.Options{}, rec.callbacks())
	if !errors.Is(err, providers.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if rec.ends+len(rec.errors) != 0 {
		t.Fatalf("callbacks must not fire on synchronous rejection")
	}
}

func TestBuildChatPayloadMultimodal(t *testing.T) {
	msgs := []providers.ResolvedMessage{
		{Role: providers.RoleAssistant, Parts: []providers.ResolvedPart{{Type: providers.PartText, Text: "earlier"}}},
		{Role: providers.RoleUser, Parts: []providers.ResolvedPart{
			{Type: providers.PartText, Text: "look"},
			{Type: providers.PartImage, URL: "https://cdn/x.png"},
			{Type: providers.PartAudio, Data: []byte{1}, AudioFormat: "mp3"},
			{Type: providers.PartFile, MimeType: "application/zip", Data: []byte("PK"), Filename: "a.zip"},
		}},
	}
	body, err := buildChatPayload("gpt-4o", msgs, providers.Options{}, true)
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}

	var payload struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if string(payload.Messages[0].Content) != `"earlier"` {
		t.Fatalf("earlier turn should be plain text, got %s", payload.Messages[0].Content)
	}
	var parts []map[string]any
	if err := json.Unmarshal(payload.Messages[1].Content, &parts); err != nil {
		t.Fatalf("latest turn should be a part list: %v", err)
	}
	types := []string{}
	for _, p := range parts {
		types = append(types, p["type"].(string))
	}
	if strings.Join(types, ",") != "text,image_url,input_audio,file" {
		t.Fatalf("unexpected part types %v", types)
	}
	audio := parts[2]["input_audio"].(map[string]any)
	if audio["data"] != "AQ==" || audio["format"] != "mp3" {
		t.Fatalf("unexpected audio part %v", audio)
	}
}

func TestCountInputTokens(t *testing.T) {
	msgs := []providers.Message{providers.TextMessage(providers.RoleUser, strings.Repeat("x", 30))}

	n, err := New(Config{Provider: providers.OpenAI}).CountInputTokens(context.Background(), "gpt-4o", msgs, providers.Options{})
	if err != nil || n != 10 {
		t.Fatalf("openai estimate: n=%d err=%v", n, err)
	}
	n, err = New(Config{Provider: providers.OpenRouter}).CountInputTokens(context.Background(), "a/b", msgs, providers.Options{})
	if err != nil || n != 8 {
		t.Fatalf("openrouter estimate: n=%d err=%v", n, err)
	}
}

func TestGenerateImage(t *testing.T) {
	c := newTestClient(t, providers.OpenAI, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["prompt"] != "a red fox" || payload["size"] != "1024x1024" || payload["n"] != float64(1) {
			t.Errorf("unexpected payload %v", payload)
		}
		fmt.Fprint(w, `{"data":[{"url":"https://img/1.png","revised_prompt":"a red fox in snow"}]}`)
	})

	rec := &recorded{}
	prompt := providers.ImagePrompt{Messages: []providers.Message{providers.TextMessage(providers.RoleUser, "a red fox")}}
	if err := c.GenerateImage(context.Background(), "dall-e-3", prompt, providers.ImageOptions{}, rec.callbacks()); err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if strings.Join(rec.media, ",") != "start:image,end:https://img/1.png:1024x1024" {
		t.Fatalf("unexpected media callbacks %v", rec.media)
	}
	if len(rec.text) != 1 || rec.text[0] != "a red fox in snow" || rec.ends != 1 {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
}

func TestGenerateImageFailure(t *testing.T) {
	c := newTestClient(t, providers.OpenAI, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Your request was rejected by the safety system"}}`)
	})

	rec := &recorded{}
	_ = c.GenerateImage(context.Background(), "dall-e-3", providers.ImagePrompt{Text: "x"}, providers.ImageOptions{}, rec.callbacks())
	want := "Your request was rejected by the safety system"
	if strings.Join(rec.media, ",") != "start:image,error:"+want {
		t.Fatalf("unexpected media callbacks %v", rec.media)
	}
	if rec.ends != 0 || len(rec.errors) != 1 || rec.errors[0] != want {
		t.Fatalf("unexpected callbacks %+v", rec)
	}
}

func TestBuildEndpointURL(t *testing.T) {
	c := New(Config{Provider: providers.OpenRouter})
	got, err := c.buildEndpointURL("/models")
	if err != nil {
		t.Fatalf("build endpoint: %v", err)
	}
	if got != "https://openrouter.ai/api/v1/models" {
		t.Fatalf("unexpected endpoint %q", got)
	}

	c = New(Config{BaseURL: "https://api.openai.com/v1/"})
	got, _ = c.buildEndpointURL("/chat/completions")
	if got != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}
