package chatsend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"keygate/internal/metrics"
	"keygate/internal/providers"
	"keygate/internal/queue"
	"keygate/internal/storage"
	"keygate/internal/vault"
)

var (
	ErrDuplicateRequest = errors.New("request already processed")
	ErrInvalidRequest   = errors.New("invalid chat request")
)

// RateLimitError is returned when the user's hourly budget is spent.
type RateLimitError struct {
	Used    int64
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%d requests), resets at %s", e.Used, e.ResetAt.Format(time.RFC3339))
}

type KeyRevealer interface {
	RevealAPIKey(ctx context.Context, userID, id string, capability *vault.DecryptCapability) (string, storage.APIKey, error)
}

type Gateway interface {
	SendMessage(ctx context.Context, provider providers.ProviderID, apiKey, model string, msgs []providers.Message, opts providers.Options, cb providers.Callbacks) error
	GenerateImage(ctx context.Context, provider providers.ProviderID, apiKey, model string, prompt providers.ImagePrompt, opts providers.ImageOptions, cb providers.Callbacks) error
}

type RateLimiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

type Deduplicator interface {
	MarkFirst(ctx context.Context, requestID string) (bool, error)
	Release(ctx context.Context, requestID string) error
}

type Relay interface {
	Publish(ctx context.Context, userID, branchID string, ev queue.RelayEvent) (string, error)
}

type Config struct {
	Keys    KeyRevealer
	Gateway Gateway
	// Limiter, Dedupe and Relay are optional.
	Limiter RateLimiter
	Dedupe  Deduplicator
	Relay   Relay
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Service struct {
	keys    KeyRevealer
	gateway Gateway
	limiter RateLimiter
	dedupe  Deduplicator
	relay   Relay
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(cfg Config) *Service {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Service{
		keys:    cfg.Keys,
		gateway: cfg.Gateway,
		limiter: cfg.Limiter,
		dedupe:  cfg.Dedupe,
		relay:   cfg.Relay,
		log:     cfg.Logger.With().Str("component", "chatsend").Logger(),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

type Request struct {
	RequestID    string                 `json:"request_id"`
	UserID       string                 `json:"-"`
	BranchID     string                 `json:"branch_id"`
	MessageID    string                 `json:"message_id"`
	KeyID        string                 `json:"key_id"`
	Model        string                 `json:"model"`
	Messages     []providers.Message    `json:"messages"`
	Options      providers.Options      `json:"options"`
	UseImageTool bool                   `json:"use_image_tool"`
	ImageOptions providers.ImageOptions `json:"image_options"`
}

type Media struct {
	URL      string                  `json:"url"`
	Kind     providers.MediaKind     `json:"kind"`
	Metadata providers.MediaMetadata `json:"metadata"`
}

// Result is the completed assistant message.
type Result struct {
	MessageID string  `json:"message_id"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Text      string  `json:"text"`
	Media     []Media `json:"media,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Send runs one chat turn. An error is returned only when the request is
// refused before message:start; after that every outcome reaches sink and
// the relay, and Result.Error carries a failure message.
func (s *Service) Send(ctx context.Context, req Request, capability *vault.DecryptCapability, sink providers.Callbacks) (Result, error) {
	if err := validate(req); err != nil {
		s.metrics.ChatSends.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	if s.dedupe != nil && req.RequestID != "" {
		first, err := s.dedupe.MarkFirst(ctx, req.RequestID)
		if err != nil {
			return Result{}, err
		}
		if !first {
			s.metrics.ChatSends.WithLabelValues("duplicate").Inc()
			return Result{}, ErrDuplicateRequest
		}
	}

	if s.limiter != nil {
		allowed, used, resetAt, err := s.limiter.Allow(ctx, req.UserID, s.now())
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			s.metrics.ChatSends.WithLabelValues("rate_limited").Inc()
			s.release(ctx, req)
			return Result{}, &RateLimitError{Used: used, ResetAt: resetAt}
		}
	}

	apiKey, key, err := s.keys.RevealAPIKey(ctx, req.UserID, req.KeyID, capability)
	if err != nil {
		s.metrics.ChatSends.WithLabelValues("rejected").Inc()
		s.release(ctx, req)
		return Result{}, err
	}

	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	provider := providers.ProviderID(key.Provider)
	t := &tee{
		svc:  s,
		ctx:  ctx,
		req:  req,
		sink: sink,
		result: Result{
			MessageID: req.MessageID,
			Provider:  key.Provider,
			Model:     req.Model,
		},
	}
	if m, ok := sink.(providers.MediaCallbacks); ok {
		t.media = m
	}

	t.publish(queue.EventMessageStart, map[string]any{
		"provider": key.Provider,
		"model":    req.Model,
		"key_id":   key.ID,
		"image":    req.UseImageTool,
	})

	log := s.log.With().Str("user_id", req.UserID).Str("message_id", req.MessageID).Str("provider", key.Provider).Logger()
	log.Debug().Str("model", req.Model).Bool("image", req.UseImageTool).Msg("chat send started")

	if req.UseImageTool {
		prompt := providers.ImagePrompt{Messages: req.Messages}
		err = s.gateway.GenerateImage(ctx, provider, apiKey, req.Model, prompt, req.ImageOptions, t)
	} else {
		err = s.gateway.SendMessage(ctx, provider, apiKey, req.Model, req.Messages, req.Options, t)
	}
	if err != nil {
		_ = t.OnError(providers.ErrorMessage(err))
	}

	res := t.snapshot()
	outcome := "ok"
	if res.Error != "" {
		outcome = "error"
		log.Warn().Str("error", res.Error).Msg("chat send failed")
	}
	s.metrics.ChatSends.WithLabelValues(outcome).Inc()
	return res, nil
}

// release frees the request id of a send refused before message:start so
// the client may retry it.
func (s *Service) release(ctx context.Context, req Request) {
	if s.dedupe == nil || req.RequestID == "" {
		return
	}
	if err := s.dedupe.Release(ctx, req.RequestID); err != nil {
		s.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to release request id")
	}
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return fmt.Errorf("%w: user id is empty", ErrInvalidRequest)
	case strings.TrimSpace(req.KeyID) == "":
		return fmt.Errorf("%w: key id is empty", ErrInvalidRequest)
	case strings.TrimSpace(req.Model) == "":
		return fmt.Errorf("%w: model is empty", ErrInvalidRequest)
	case len(req.Messages) == 0:
		return fmt.Errorf("%w: messages are empty", ErrInvalidRequest)
	}
	return nil
}

// tee forwards callbacks to the caller's sink, mirrors them to the relay
// and accumulates the reply.
type tee struct {
	svc   *Service
	ctx   context.Context
	req   Request
	sink  providers.Callbacks
	media providers.MediaCallbacks

	mu     sync.Mutex
	text   strings.Builder
	result Result
}

var (
	_ providers.Callbacks      = (*tee)(nil)
	_ providers.MediaCallbacks = (*tee)(nil)
)

func (t *tee) publish(name string, data any) {
	if t.svc.relay == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.svc.log.Error().Err(err).Str("event", name).Msg("encode relay event")
			return
		}
		raw = b
	}
	ev := queue.RelayEvent{Name: name, MessageID: t.req.MessageID, Data: raw}
	// Relay writes outlive a cancelled client so fan-out consumers still see
	// the terminal event.
	ctx := context.WithoutCancel(t.ctx)
	if _, err := t.svc.relay.Publish(ctx, t.req.UserID, t.req.BranchID, ev); err != nil {
		t.svc.metrics.RelayFailed.Inc()
		t.svc.log.Warn().Err(err).Str("event", name).Msg("relay publish failed")
		return
	}
	t.svc.metrics.RelayPublished.Inc()
}

func (t *tee) snapshot() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.result
	res.Text = t.text.String()
	res.Media = append([]Media(nil), t.result.Media...)
	return res
}

func (t *tee) OnText(chunk string) error {
	t.mu.Lock()
	t.text.WriteString(chunk)
	t.mu.Unlock()
	t.publish(queue.EventMessageChunk, map[string]string{"text": chunk})
	if t.sink == nil {
		return nil
	}
	return t.sink.OnText(chunk)
}

func (t *tee) OnEnd() error {
	t.publish(queue.EventMessageEnd, map[string]string{"text": t.snapshot().Text})
	if t.sink == nil {
		return nil
	}
	return t.sink.OnEnd()
}

func (t *tee) OnError(message string) error {
	t.mu.Lock()
	t.result.Error = message
	t.mu.Unlock()
	t.publish(queue.EventMessageError, map[string]string{"error": message})
	if t.sink == nil {
		return nil
	}
	return t.sink.OnError(message)
}

func (t *tee) OnMediaGenStart(kind providers.MediaKind) error {
	t.publish(queue.EventMediaStart, map[string]any{"kind": kind})
	if t.media == nil {
		return nil
	}
	return t.media.OnMediaGenStart(kind)
}

func (t *tee) OnMediaGenEnd(url string, kind providers.MediaKind, meta providers.MediaMetadata) error {
	t.mu.Lock()
	t.result.Media = append(t.result.Media, Media{URL: url, Kind: kind, Metadata: meta})
	t.mu.Unlock()
	t.publish(queue.EventMediaEnd, map[string]any{"kind": kind, "url": url, "metadata": meta})
	if t.media == nil {
		return nil
	}
	return t.media.OnMediaGenEnd(url, kind, meta)
}

func (t *tee) OnMediaGenError(message string, kind providers.MediaKind) error {
	t.publish(queue.EventMediaError, map[string]any{"kind": kind, "error": message})
	if t.media == nil {
		return nil
	}
	return t.media.OnMediaGenError(message, kind)
}
