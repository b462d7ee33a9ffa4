package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"keygate/internal/metrics"
	"keygate/internal/providers"
	"keygate/internal/providers/registry"
)

// Factory builds an adapter for one API key. Registered factories take
// precedence over the built-in registry.
type Factory func(apiKey string, settings registry.Settings) (providers.Provider, error)

type Config struct {
	Settings registry.Settings
	Cache    *ModelCache
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// StreamBuffer is the channel capacity used by Stream and StreamImage.
	StreamBuffer int
}

// Gateway is the single entry point for vendor calls. Its only state is the
// provider to factory map.
type Gateway struct {
	settings registry.Settings
	cache    *ModelCache
	log      zerolog.Logger
	metrics  *metrics.Metrics
	buffer   int

	mu        sync.RWMutex
	factories map[providers.ProviderID]Factory
}

func New(cfg Config) *Gateway {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	log := cfg.Logger.With().Str("component", "gateway").Logger()
	if cfg.Settings.HTTPClient == nil {
		cfg.Settings.HTTPClient = NewHTTPClient(120*time.Second, log)
	}
	cfg.Settings.Logger = log
	return &Gateway{
		settings:  cfg.Settings,
		cache:     cfg.Cache,
		log:       log,
		metrics:   cfg.Metrics,
		buffer:    cfg.StreamBuffer,
		factories: map[providers.ProviderID]Factory{},
	}
}

// Register adds or replaces the adapter used for provider.
func (g *Gateway) Register(provider providers.ProviderID, f Factory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.factories[provider] = f
}

func (g *Gateway) Supports(provider providers.ProviderID) bool {
	if provider.Builtin() {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.factories[provider]
	return ok
}

func (g *Gateway) adapter(provider providers.ProviderID, apiKey string) (providers.Provider, error) {
	if provider == "" {
		return nil, providers.NewError(providers.KindValidation, "", "provider id is empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, providers.NewError(providers.KindValidation, provider, "api key is empty")
	}

	g.mu.RLock()
	f, ok := g.factories[provider]
	g.mu.RUnlock()
	if ok {
		return f(apiKey, g.settings)
	}
	return registry.Build(registry.BuildOptions{Settings: g.settings, Provider: provider, APIKey: apiKey})
}

// ValidateKeyFormat is a liveness probe: the key is valid when a live model
// listing returns at least one model. The cache is bypassed.
func (g *Gateway) ValidateKeyFormat(ctx context.Context, provider providers.ProviderID, apiKey string) bool {
	start := time.Now()
	p, err := g.adapter(provider, apiKey)
	if err != nil {
		g.observe(provider, "validate_key", start, err)
		return false
	}
	models, err := p.ListModels(ctx)
	g.observe(provider, "validate_key", start, err)
	if err != nil {
		g.log.Debug().Str("provider", string(provider)).Str("kind", string(providers.KindOf(err))).Msg("key validation failed")
		return false
	}
	return len(models) > 0
}

func (g *Gateway) ListModels(ctx context.Context, provider providers.ProviderID, apiKey string) ([]providers.Model, error) {
	start := time.Now()
	p, err := g.adapter(provider, apiKey)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		models, ok, err := g.cache.Get(ctx, provider, apiKey)
		switch {
		case err != nil:
			g.log.Warn().Err(err).Msg("model cache read failed")
			g.metrics.ModelCache.WithLabelValues("error").Inc()
		case ok:
			g.metrics.ModelCache.WithLabelValues("hit").Inc()
			return models, nil
		default:
			g.metrics.ModelCache.WithLabelValues("miss").Inc()
		}
	}

	models, err := p.ListModels(ctx)
	g.observe(provider, "list_models", start, err)
	if err != nil {
		return nil, err
	}
	if g.cache != nil && len(models) > 0 {
		if err := g.cache.Set(ctx, provider, apiKey, models); err != nil {
			g.log.Warn().Err(err).Msg("model cache write failed")
		}
	}
	return models, nil
}

// InvalidateModels drops the cached model list for a key.
func (g *Gateway) InvalidateModels(ctx context.Context, provider providers.ProviderID, apiKey string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Invalidate(ctx, provider, apiKey)
}

func (g *Gateway) CountInputTokens(ctx context.Context, provider providers.ProviderID, apiKey, model string, msgs []providers.Message, opts providers.Options) (int, error) {
	start := time.Now()
	p, err := g.adapter(provider, apiKey)
	if err != nil {
		return 0, err
	}
	n, err := p.CountInputTokens(ctx, model, msgs, opts)
	g.observe(provider, "count_tokens", start, err)
	return n, err
}

// SendMessage streams a reply into cb and returns once the stream finished.
// A returned error means the request was rejected before it started and no
// callback fired.
func (g *Gateway) SendMessage(ctx context.Context, provider providers.ProviderID, apiKey, model string, msgs []providers.Message, opts providers.Options, cb providers.Callbacks) error {
	start := time.Now()
	p, err := g.adapter(provider, apiKey)
	if err != nil {
		return err
	}
	if err := providers.ValidateRequest(provider, model, msgs); err != nil {
		return err
	}

	tc := g.track(provider, cb)
	if err := p.SendMessage(ctx, model, msgs, opts, tc); err != nil {
		if tc.fired() {
			tc.finish(err)
			g.observe(provider, "send_message", start, tc.err)
			return nil
		}
		g.observe(provider, "send_message", start, err)
		return err
	}
	tc.finish(nil)
	g.observe(provider, "send_message", start, tc.err)
	return nil
}

func (g *Gateway) GenerateImage(ctx context.Context, provider providers.ProviderID, apiKey, model string, prompt providers.ImagePrompt, opts providers.ImageOptions, cb providers.Callbacks) error {
	start := time.Now()
	p, err := g.adapter(provider, apiKey)
	if err != nil {
		return err
	}

	tc := g.track(provider, cb)
	if err := p.GenerateImage(ctx, model, prompt, opts, tc); err != nil {
		if tc.fired() {
			tc.finish(err)
			g.observe(provider, "generate_image", start, tc.err)
			return nil
		}
		g.observe(provider, "generate_image", start, err)
		return err
	}
	tc.finish(nil)
	g.observe(provider, "generate_image", start, tc.err)
	return nil
}

// Stream is SendMessage as a channel. Every failure, including a rejected
// request, arrives as a terminal EventError. The channel closes after the
// terminal event. Cancel ctx to stop receiving.
func (g *Gateway) Stream(ctx context.Context, provider providers.ProviderID, apiKey, model string, msgs []providers.Message, opts providers.Options) <-chan providers.Event {
	return g.stream(ctx, func(sink *providers.ChannelSink) error {
		return g.SendMessage(ctx, provider, apiKey, model, msgs, opts, sink)
	})
}

func (g *Gateway) StreamImage(ctx context.Context, provider providers.ProviderID, apiKey, model string, prompt providers.ImagePrompt, opts providers.ImageOptions) <-chan providers.Event {
	return g.stream(ctx, func(sink *providers.ChannelSink) error {
		return g.GenerateImage(ctx, provider, apiKey, model, prompt, opts, sink)
	})
}

func (g *Gateway) stream(ctx context.Context, run func(*providers.ChannelSink) error) <-chan providers.Event {
	sink := providers.NewChannelSink(ctx, g.buffer)
	go func() {
		defer sink.Close()
		if err := run(sink); err != nil {
			_ = sink.OnError(providers.ErrorMessage(err))
		}
	}()
	return sink.Events()
}

func (g *Gateway) observe(provider providers.ProviderID, op string, start time.Time, err error) {
	g.metrics.GatewayRequests.WithLabelValues(string(provider), op, metrics.Outcome(err)).Inc()
	g.metrics.GatewayDuration.WithLabelValues(string(provider), op).Observe(time.Since(start).Seconds())
}
