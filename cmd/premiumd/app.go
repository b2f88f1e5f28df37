package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/appstore"
	billingprom "github.com/mihaimyh/gopremium/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gopremium/pkg/billing/stripe"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/gopremium/pkg/entitlement/logger/zerolog"
	entitlementprom "github.com/mihaimyh/gopremium/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/gopremium/storage/postgres"
	redisqueue "github.com/mihaimyh/gopremium/storage/redis"
)

// app holds the components shared by the long-running commands.
type app struct {
	cfg      *Config
	log      zerolog.Logger
	registry *prometheus.Registry
	storage  *postgres.Storage
	manager  *entitlement.Manager
	billing  billing.Metrics

	providers []billing.Provider
	apple     *appstore.Provider
}

func newLogger(cfg *Config) zerolog.Logger {
	return zerologadapter.New(os.Stdout, cfg.LogLevel, cfg.LogFormat).
		With().Str("service", "premiumd").Logger()
}

// newApp opens storage and builds the manager and every enabled provider.
func newApp(ctx context.Context, cfg *Config, cleanup bool) (*app, error) {
	if err := cfg.requireDatabase(); err != nil {
		return nil, err
	}

	log := newLogger(cfg)
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MaxConns = cfg.DBMaxConns
	pgConfig.AutoMigrate = cfg.AutoMigrate
	pgConfig.LedgerRetention = cfg.LedgerRetention
	pgConfig.CleanupEnabled = cleanup
	storage, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		storage:  storage,
		billing:  billingprom.NewMetrics(registry, cfg.MetricsNamespace),
	}

	a.manager, err = newManager(cfg, storage, log, entitlementprom.NewMetrics(registry, cfg.MetricsNamespace))
	if err != nil {
		storage.Close()
		return nil, err
	}

	a.providers, a.apple, err = newProviders(cfg, a.manager, a.billing)
	if err != nil {
		storage.Close()
		return nil, err
	}
	if len(a.providers) == 0 {
		log.Warn().Msg("no billing provider configured")
	}
	return a, nil
}

func newManager(
	cfg *Config, storage entitlement.Storage, log zerolog.Logger, metrics entitlement.Metrics,
) (*entitlement.Manager, error) {
	logger := zerologadapter.NewLogger(log.With().Str("component", "entitlement").Logger())
	return entitlement.NewManager(storage, entitlement.Config{
		LedgerRetention: cfg.LedgerRetention,
		UseStorageTime:  true,
		Metrics:         metrics,
		Logger:          logger,
		OnChange: func(_ context.Context, userID string, premium bool) {
			log.Debug().Str("user_id", userID).Bool("premium", premium).Msg("premium flag changed")
		},
	})
}

// newProviders builds the enabled providers in a fixed order: Stripe, then App Store.
func newProviders(
	cfg *Config, manager *entitlement.Manager, metrics billing.Metrics,
) ([]billing.Provider, *appstore.Provider, error) {
	base := billing.Config{
		Manager:          manager,
		SyncTimeout:      cfg.SyncTimeout,
		WebhookRateLimit: cfg.WebhookRateLimit,
		Metrics:          metrics,
	}

	var providers []billing.Provider
	if cfg.stripeEnabled() {
		p, err := stripe.NewProvider(stripe.Config{
			Config:              base,
			StripeAPIKey:        cfg.StripeAPIKey,
			StripeWebhookSecret: cfg.StripeWebhookSecret,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("stripe provider: %w", err)
		}
		providers = append(providers, p)
	}

	var apple *appstore.Provider
	if cfg.appleEnabled() {
		appleConfig := appstore.Config{
			Config:                    base,
			BundleID:                  cfg.AppleBundleID,
			SkipSignatureVerification: !cfg.AppleVerifySignatures,
			KeyID:                     cfg.AppleKeyID,
			IssuerID:                  cfg.AppleIssuerID,
			PrivateKey:                cfg.ApplePrivateKey,
			Environment:               strings.ToLower(cfg.AppleEnvironment),
		}
		if cfg.AppleVerifySignatures {
			roots, err := appstore.LoadRootCertificates(cfg.AppleRootCerts...)
			if err != nil {
				return nil, nil, fmt.Errorf("apple root certificates: %w", err)
			}
			appleConfig.RootCertificates = roots
		}
		p, err := appstore.NewProvider(appleConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("app store provider: %w", err)
		}
		apple = p
		providers = append(providers, p)
	}
	return providers, apple, nil
}

func (a *app) close() {
	a.storage.Close()
}

// newRedisClient connects to the re-sync queue's Redis.
func newRedisClient(ctx context.Context, cfg *Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

func newQueue(ctx context.Context, cfg *Config, client redis.UniversalClient) (*redisqueue.Queue, error) {
	qConfig := redisqueue.DefaultConfig()
	qConfig.Stream = cfg.ResyncStream
	qConfig.VisibilityTimeout = max(qConfig.VisibilityTimeout, 2*cfg.TaskTimeout)
	return redisqueue.New(ctx, client, qConfig)
}
