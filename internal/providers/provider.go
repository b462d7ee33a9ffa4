package providers

import (
	"context"
	"fmt"
	"strings"
)

type ProviderID string

const (
	Anthropic  ProviderID = "anthropic"
	Google     ProviderID = "google"
	OpenAI     ProviderID = "openai"
	OpenRouter ProviderID = "openrouter"
)

// All lists every built-in provider in a stable order.
var All = []ProviderID{Anthropic, Google, OpenAI, OpenRouter}

func ParseProviderID(s string) (ProviderID, error) {
	id := ProviderID(strings.ToLower(strings.TrimSpace(s)))
	if id == "" {
		return "", NewError(KindValidation, "", "provider id is empty")
	}
	return id, nil
}

func (p ProviderID) Builtin() bool {
	switch p {
	case Anthropic, Google, OpenAI, OpenRouter:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction, RoleTool:
		return true
	default:
		return false
	}
}

// ContentPart is either text or a reference to an attachment.
type ContentPart struct {
	Text         string `json:"text,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

type Message struct {
	Role          Role          `json:"role"`
	Content       []ContentPart `json:"content"`
	AttachmentIDs []string      `json:"attachment_ids,omitempty"`
}

func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Text: text}}}
}

// PlainText joins the non-empty text parts with newlines.
func (m Message) PlainText() string {
	parts := make([]string, 0, len(m.Content))
	for _, p := range m.Content {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Attachments returns referenced attachment ids in order, without duplicates.
func (m Message) Attachments() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, p := range m.Content {
		add(p.AttachmentID)
	}
	for _, id := range m.AttachmentIDs {
		add(id)
	}
	return out
}

type Capabilities struct {
	TextGeneration  bool `json:"textGeneration"`
	ImageGeneration bool `json:"imageGeneration"`
	ImageAnalysis   bool `json:"imageAnalysis"`
	FunctionCalling bool `json:"functionCalling"`
	WebBrowsing     bool `json:"webBrowsing"`
	CodeExecution   bool `json:"codeExecution"`
	FileAnalysis    bool `json:"fileAnalysis"`
}

type Model struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Author       string       `json:"author"`
	Provider     ProviderID   `json:"provider"`
	Capabilities Capabilities `json:"capabilities"`
	Enabled      bool         `json:"enabled"`
}

type Options struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

const (
	DefaultImageSize    = "1024x1024"
	DefaultImageQuality = "standard"
	DefaultImageStyle   = "vivid"
)

type ImageOptions struct {
	N       int    `json:"n,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

func (o ImageOptions) WithDefaults() ImageOptions {
	if o.N <= 0 {
		o.N = 1
	}
	if o.Size == "" {
		o.Size = DefaultImageSize
	}
	if o.Quality == "" {
		o.Quality = DefaultImageQuality
	}
	if o.Style == "" {
		o.Style = DefaultImageStyle
	}
	return o
}

// ImagePrompt is either a literal prompt or a conversation whose last turn
// supplies the prompt.
type ImagePrompt struct {
	Text     string
	Messages []Message
}

func (p ImagePrompt) String() string {
	if p.Text != "" {
		return p.Text
	}
	if len(p.Messages) == 0 {
		return ""
	}
	return p.Messages[len(p.Messages)-1].PlainText()
}

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type MediaMetadata struct {
	Prompt        string `json:"prompt,omitempty"`
	RevisedPrompt string `json:"revisedPrompt,omitempty"`
	Model         string `json:"model,omitempty"`
	Size          string `json:"size,omitempty"`
	Quality       string `json:"quality,omitempty"`
	Style         string `json:"style,omitempty"`
}

// Callbacks receives a streamed response. OnText fires zero or more times in
// arrival order, then exactly one of OnEnd or OnError.
type Callbacks interface {
	OnText(chunk string) error
	OnEnd() error
	OnError(message string) error
}

// MediaCallbacks is optionally implemented by Callbacks values that care
// about generated assets.
type MediaCallbacks interface {
	OnMediaGenStart(kind MediaKind) error
	OnMediaGenEnd(url string, kind MediaKind, meta MediaMetadata) error
	OnMediaGenError(message string, kind MediaKind) error
}

// CallbackFuncs adapts plain functions. Nil fields are skipped.
type CallbackFuncs struct {
	Text       func(chunk string) error
	End        func() error
	Error      func(message string) error
	MediaStart func(kind MediaKind) error
	MediaEnd   func(url string, kind MediaKind, meta MediaMetadata) error
	MediaError func(message string, kind MediaKind) error
}

var (
	_ Callbacks      = CallbackFuncs{}
	_ MediaCallbacks = CallbackFuncs{}
)

func (f CallbackFuncs) OnText(chunk string) error {
	if f.Text == nil {
		return nil
	}
	return f.Text(chunk)
}

func (f CallbackFuncs) OnEnd() error {
	if f.End == nil {
		return nil
	}
	return f.End()
}

func (f CallbackFuncs) OnError(message string) error {
	if f.Error == nil {
		return nil
	}
	return f.Error(message)
}

func (f CallbackFuncs) OnMediaGenStart(kind MediaKind) error {
	if f.MediaStart == nil {
		return nil
	}
	return f.MediaStart(kind)
}

func (f CallbackFuncs) OnMediaGenEnd(url string, kind MediaKind, meta MediaMetadata) error {
	if f.MediaEnd == nil {
		return nil
	}
	return f.MediaEnd(url, kind, meta)
}

func (f CallbackFuncs) OnMediaGenError(message string, kind MediaKind) error {
	if f.MediaError == nil {
		return nil
	}
	return f.MediaError(message, kind)
}

// Provider is one vendor adapter bound to one API key.
//
// SendMessage and GenerateImage return an error only when the request is
// rejected before anything is sent upstream. Once the vendor call starts,
// every outcome is reported through the callbacks.
type Provider interface {
	ListModels(ctx context.Context) ([]Model, error)
	CountInputTokens(ctx context.Context, model string, msgs []Message, opts Options) (int, error)
	SendMessage(ctx context.Context, model string, msgs []Message, opts Options, cb Callbacks) error
	GenerateImage(ctx context.Context, model string, prompt ImagePrompt, opts ImageOptions, cb Callbacks) error
}

// ValidateRequest checks the canonical input shared by every adapter.
func ValidateRequest(provider ProviderID, model string, msgs []Message) error {
	if strings.TrimSpace(model) == "" {
		return NewError(KindValidation, provider, "model id is empty")
	}
	if len(msgs) == 0 {
		return NewError(KindValidation, provider, "messages are empty")
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return NewError(KindValidation, provider, fmt.Sprintf("message %d has invalid role %q", i, m.Role))
		}
	}
	return nil
}
