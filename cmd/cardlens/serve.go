package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredisv8 "github.com/go-redis/redis/v8"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cardlens/cardlens/internal/config"
	"github.com/cardlens/cardlens/internal/events"
	"github.com/cardlens/cardlens/internal/gateway"
	"github.com/cardlens/cardlens/internal/idempotency"
	"github.com/cardlens/cardlens/internal/persistence"
	"github.com/cardlens/cardlens/internal/persistence/memory"
	"github.com/cardlens/cardlens/internal/persistence/postgres"
	"github.com/cardlens/cardlens/internal/pipeline"
	"github.com/cardlens/cardlens/internal/providers/pricing"
	"github.com/cardlens/cardlens/internal/providers/reasoning"
	"github.com/cardlens/cardlens/internal/providers/vision"
	"github.com/cardlens/cardlens/internal/refstore"
	"github.com/cardlens/cardlens/internal/secrets"
	"github.com/cardlens/cardlens/internal/storage"
	"github.com/cardlens/cardlens/internal/telemetry"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the valuation service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			applyLogLevel(cfg.Logging.Level)
			return serve(cmd.Context(), cfg)
		},
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(parsed)
}

func serve(ctx context.Context, cfg *config.Config) error {
	metrics := telemetry.NewMetricsRegistry()
	secretStore := secrets.NewCache(secrets.NewEnvProvider(cfg.Secrets.EnvPrefix), cfg.Secrets.CacheTTL())

	objects, err := buildObjectStore(cfg.Storage)
	if err != nil {
		return err
	}
	presigner, err := buildPresigner(ctx, cfg.Storage, secretStore)
	if err != nil {
		return err
	}

	store, cleanup, err := buildStore(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer cleanup()

	tokens, publisher := buildRedis(cfg)

	visionProvider, err := buildVision(ctx, cfg.Vision, secretStore)
	if err != nil {
		return err
	}
	reasoner, err := buildReasoner(ctx, cfg.Reason, secretStore)
	if err != nil {
		return err
	}
	registry, err := buildPricing(ctx, cfg.Pricing, secretStore)
	if err != nil {
		return err
	}

	p := pipeline.New(pipeline.Deps{
		Objects:   objects,
		Vision:    visionProvider,
		Reasoner:  reasoner,
		Pricing:   registry,
		Refs:      refstore.New(objects),
		Store:     store,
		Publisher: publisher,
		Metrics:   metrics,
	}, cfg.Pipeline.Pipeline())

	executor := pipeline.NewExecutor(p)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	executor.Start(runCtx)
	defer executor.Stop()

	server := gateway.NewServer(gateway.Deps{
		Store:     store,
		Objects:   objects,
		Presigner: presigner,
		Tokens:    tokens,
		Executor:  executor,
		Auth:      gateway.StaticTokens(cfg.Auth.Tokens),
		Metrics:   metrics,
	}, cfg.Server.Gateway())

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func buildObjectStore(cfg config.StorageConfig) (storage.ObjectStore, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemStore(), nil
	}
	return storage.NewFSStore(cfg.Root)
}

// buildPresigner prefers the secret provider; the config value is the
// local-dev fallback.
func buildPresigner(ctx context.Context, cfg config.StorageConfig, provider secrets.Provider) (*storage.Presigner, error) {
	secret := []byte(cfg.PresignSecret)
	if resolved, err := provider.GetSecret(ctx, "presign.secret"); err == nil {
		secret = resolved.Value
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("presign secret not configured (storage.presign_secret or CARDLENS_PRESIGN_SECRET)")
	}
	return storage.NewPresigner(secret)
}

func buildStore(ctx context.Context, cfg config.PostgresConfig) (persistence.Store, func(), error) {
	if cfg.DSN == "" {
		log.Warn().Msg("No postgres DSN configured, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	store, err := postgres.Open(ctx, cfg.DSN, cfg.QueryTimeout())
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// buildRedis wires the idempotency store (redis v8, matching its mock
// tooling) and the event publisher (redis v9 pub/sub). Without an
// address both run in process.
func buildRedis(cfg *config.Config) (idempotency.TokenStore, events.Publisher) {
	if cfg.Redis.Addr == "" {
		log.Warn().Msg("No redis address configured, idempotency tokens held in memory")
		return idempotency.NewMemoryStore(cfg.Server.Gateway().IdempotencyTTL), events.LogPublisher{}
	}

	tokenClient := goredisv8.NewClient(&goredisv8.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	busClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return idempotency.NewRedisStore(tokenClient, cfg.Server.Gateway().IdempotencyTTL),
		events.NewRedisPublisher(busClient, cfg.Events.Channel)
}

func buildVision(ctx context.Context, cfg config.ProviderConfig, provider secrets.Provider) (vision.Provider, error) {
	if cfg.BaseURL == "" {
		log.Warn().Msg("No vision provider URL configured, using the deterministic stub")
		return &vision.Stub{}, nil
	}
	key, err := resolveKey(ctx, provider, cfg.APIKeyRef)
	if err != nil {
		return nil, err
	}
	return vision.NewClient(vision.ClientConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         key,
		RequestTimeout: cfg.Timeout(),
	}), nil
}

func buildReasoner(ctx context.Context, cfg config.ProviderConfig, provider secrets.Provider) (reasoning.Provider, error) {
	if cfg.BaseURL == "" {
		log.Warn().Msg("No reasoning provider URL configured, using the deterministic stub")
		return &reasoning.Stub{}, nil
	}
	key, err := resolveKey(ctx, provider, cfg.APIKeyRef)
	if err != nil {
		return nil, err
	}
	return reasoning.NewClient(reasoning.ClientConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         key,
		RequestTimeout: cfg.Timeout(),
	}), nil
}

func buildPricing(ctx context.Context, cfg config.PricingConfig, provider secrets.Provider) (*pricing.Registry, error) {
	registryConfig := pricing.DefaultRegistryConfig()
	if cfg.CallTimeoutSeconds > 0 {
		registryConfig.CallTimeout = cfg.CallTimeout()
	}
	if cfg.RatePerSec > 0 {
		registryConfig.RatePerSec = cfg.RatePerSec
	}
	if cfg.Burst > 0 {
		registryConfig.Burst = cfg.Burst
	}
	if cfg.BreakerFailures > 0 {
		registryConfig.BreakerFailures = cfg.BreakerFailures
	}
	if cfg.BreakerCooldownSeconds > 0 {
		registryConfig.BreakerCooldown = cfg.BreakerCooldown()
	}

	var adapters []pricing.Adapter
	for _, tag := range cfg.Adapters {
		key, err := resolveKey(ctx, provider, "pricing."+tag+".api_key")
		if err != nil {
			return nil, err
		}
		switch tag {
		case "ebay":
			adapters = append(adapters, pricing.NewEbayAdapter(cfg.EbayURL, key, registryConfig.CallTimeout))
		case "tcgplayer":
			adapters = append(adapters, pricing.NewTCGPlayerAdapter(cfg.TCGPlayerURL, key, registryConfig.CallTimeout))
		case "cardmarket":
			adapters = append(adapters, pricing.NewCardmarketAdapter(cfg.CardmarketURL, key, registryConfig.CallTimeout))
		}
	}
	return pricing.NewRegistry(registryConfig, adapters...), nil
}

// resolveKey treats a missing secret as empty: the stubs and sandbox
// endpoints run keyless.
func resolveKey(ctx context.Context, provider secrets.Provider, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	secret, err := provider.GetSecret(ctx, ref)
	if err != nil {
		var notFound *secrets.NotFoundError
		if errors.As(err, &notFound) {
			log.Warn().Str("ref", ref).Msg("Secret not found, continuing without it")
			return "", nil
		}
		return "", err
	}
	return secret.String(), nil
}
