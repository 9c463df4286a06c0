package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/hzrd149/pow-content-dvm/internal/config"
	"github.com/hzrd149/pow-content-dvm/internal/dvm"
	"github.com/hzrd149/pow-content-dvm/internal/lightning"
	"github.com/hzrd149/pow-content-dvm/internal/registry"
	"github.com/hzrd149/pow-content-dvm/internal/relay"
	"github.com/hzrd149/pow-content-dvm/internal/response"
	"github.com/hzrd149/pow-content-dvm/internal/store"
	"github.com/hzrd149/pow-content-dvm/internal/worker"
)

// announceRelays also receive the kind 10002 relay list on startup.
var announceRelays = []string{"wss://purplepag.es"}

func main() {
	logger := log.New(os.Stdout, "[dvm] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	if cfg.NostrPrivateKey == "" {
		logger.Fatal("NOSTR_PRIVATE_KEY is required")
	}
	if len(cfg.Relays) == 0 {
		logger.Fatal("NOSTR_RELAYS is required")
	}

	pubkey, err := nostr.GetPublicKey(cfg.NostrPrivateKey)
	if err != nil {
		logger.Fatalf("invalid NOSTR_PRIVATE_KEY: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, registryCloser := setupRegistry(ctx, cfg, logger)
	defer registryCloser()

	eventStore, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	backend := setupLightning(cfg, logger)

	pool := relay.NewPool(ctx, relay.PoolConfig{
		Relays:       cfg.Relays,
		PublishRPS:   cfg.PublishRPS,
		PublishBurst: cfg.PublishBurst,
		Logger:       logger,
	})

	logger.Printf("publishing relay list")
	if err := pool.PublishRelayList(ctx, cfg.NostrPrivateKey, announceRelays); err != nil {
		logger.Printf("failed to publish relay list: %v", err)
	}

	orchestrator := worker.New(worker.Dependencies{
		Transport: pool,
		Registry:  reg,
		Store:     eventStore,
		Lightning: backend,
		Validator: dvm.NewValidator(pubkey, reg),
		Builder:   response.NewBuilder(cfg.NostrPrivateKey),
		Logger:    logger,
		Config: worker.Config{
			ServicePubkey:    pubkey,
			PriceMsats:       cfg.JobPriceMsats,
			PageSize:         cfg.PageSize,
			PollInterval:     time.Duration(cfg.InvoicePollSeconds) * time.Second,
			LivenessInterval: time.Duration(cfg.RelayLivenessSeconds) * time.Second,
		},
	})

	logger.Printf("listening as %s on %d relays", pubkey, len(cfg.Relays))
	orchestrator.Start(ctx)
	logger.Printf("shutdown signal received")
}

func setupRegistry(ctx context.Context, cfg config.Config, logger *log.Logger) (registry.Registry, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, job registries are in-memory only")
		return registry.NewMemoryRegistry(), func() {}
	}

	redisRegistry, err := registry.NewRedisRegistry(ctx, registry.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Printf("failed to initialize redis registry, fallback to memory: %v", err)
		return registry.NewMemoryRegistry(), func() {}
	}
	logger.Printf("redis job registry initialized")
	return redisRegistry, func() {
		_ = redisRegistry.Close()
	}
}

func setupStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.EventStore, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, serving from an empty in-memory store")
		return store.NewMemoryEventStore(), func() {}
	}

	pgStore, err := store.NewPostgresEventStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("failed to initialize postgres event store: %v", err)
	}
	logger.Printf("postgres event store initialized")
	return pgStore, pgStore.Close
}

func setupLightning(cfg config.Config, logger *log.Logger) lightning.Backend {
	expiry := time.Duration(cfg.InvoiceExpirySeconds) * time.Second

	if cfg.LNBitsURL == "" || cfg.LNBitsKey == "" {
		logger.Printf("LNBITS_URL/LNBITS_KEY not configured, using in-memory dev backend")
		return lightning.NewMemoryBackend(expiry)
	}

	logger.Printf("lnbits backend initialized")
	return lightning.NewLNBitsBackend(lightning.LNBitsConfig{
		URL:           cfg.LNBitsURL,
		APIKey:        cfg.LNBitsKey,
		InvoiceExpiry: expiry,
	})
}
