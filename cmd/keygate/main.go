package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"keygate/internal/attachments"
	"keygate/internal/chatsend"
	"keygate/internal/config"
	"keygate/internal/crypto"
	"keygate/internal/gateway"
	"keygate/internal/httpapi"
	"keygate/internal/keys"
	"keygate/internal/metrics"
	"keygate/internal/providers/registry"
	"keygate/internal/queue"
	"keygate/internal/storage"
	"keygate/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("master_key_id", cfg.Crypto.CurrentKeyID).
		Int("kdf_iterations", cfg.Vault.KDFIterations).
		Bool("attachments", cfg.Storage.Endpoint != "").
		Msg("starting keygate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, cfg.DB.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	master, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}
	v, err := vault.New(vault.Config{Salt: cfg.Vault.Salt, Iterations: cfg.Vault.KDFIterations})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}

	m := metrics.Global()
	settings := registry.Settings{
		OpenAIBaseURL:     cfg.Providers.OpenAIBaseURL,
		OpenRouterBaseURL: cfg.Providers.OpenRouterBaseURL,
		AnthropicBaseURL:  cfg.Providers.AnthropicBaseURL,
		AnthropicVersion:  cfg.Providers.AnthropicVersion,
		GoogleBaseURL:     cfg.Providers.GoogleBaseURL,
		AppURL:            cfg.Providers.AppURL,
		AppName:           cfg.Providers.AppName,
		HTTPClient:        gateway.NewHTTPClient(cfg.Providers.ClientTimeout, log.Logger),
	}
	if cfg.Storage.Endpoint != "" {
		resolver, err := attachments.NewMinioResolver(attachments.Config{
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			UseSSL:        cfg.Storage.UseSSL,
			Region:        cfg.Storage.Region,
			Bucket:        cfg.Storage.Bucket,
			Prefix:        cfg.Storage.Prefix,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
			PresignExpiry: cfg.Storage.PresignExpiry,
			Logger:        log.Logger,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize attachment storage")
		}
		if err := resolver.EnsureBucket(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare attachment bucket")
		}
		settings.Resolver = resolver
	}

	gw := gateway.New(gateway.Config{
		Settings: settings,
		Cache:    gateway.NewModelCache(rdb, cfg.Redis.ModelCacheTTL),
		Logger:   log.Logger,
		Metrics:  m,
	})

	keyService, err := keys.New(keys.Config{
		Store:     store,
		Vault:     v,
		Master:    master,
		Validator: gw,
		Logger:    log.Logger,
		Metrics:   m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize key service")
	}

	chat := chatsend.New(chatsend.Config{
		Keys:    keyService,
		Gateway: gw,
		Limiter: queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Dedupe:  queue.NewRequestDeduplicator(rdb, cfg.Redis.RequestTTL),
		Relay:   queue.NewEventRelay(rdb, cfg.Redis.RelayMaxLen, 0),
		Logger:  log.Logger,
		Metrics: m,
	})

	api := httpapi.New(httpapi.Config{
		Keys:    keyService,
		Gateway: gw,
		Chat:    chat,
		Logger:  log.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	api.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
