package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const envPrefix = "PREMIUM_"

// Config is the process configuration, read from PREMIUM_* variables.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	UserHeader      string        `env:"USER_HEADER" envDefault:"X-User-ID"`

	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"json"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"gopremium"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	ResyncStream  string `env:"RESYNC_STREAM" envDefault:"gopremium:resync"`

	StripeAPIKey        string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	AppleBundleID         string   `env:"APPLE_BUNDLE_ID"`
	AppleRootCerts        []string `env:"APPLE_ROOT_CERTS" envSeparator:","`
	AppleVerifySignatures bool     `env:"APPLE_VERIFY_SIGNATURES" envDefault:"true"`
	AppleKeyID            string   `env:"APPLE_KEY_ID"`
	AppleIssuerID         string   `env:"APPLE_ISSUER_ID"`
	ApplePrivateKey       string   `env:"APPLE_PRIVATE_KEY"`
	ApplePrivateKeyFile   string   `env:"APPLE_PRIVATE_KEY_FILE,file"`
	AppleEnvironment      string   `env:"APPLE_ENVIRONMENT" envDefault:"production"`

	LedgerRetention  time.Duration `env:"LEDGER_RETENTION" envDefault:"720h"`
	SyncTimeout      time.Duration `env:"SYNC_TIMEOUT" envDefault:"8s"`
	WebhookRateLimit int           `env:"WEBHOOK_RATE_LIMIT" envDefault:"100"`
	Workers          int           `env:"WORKERS" envDefault:"4"`
	TaskTimeout      time.Duration `env:"TASK_TIMEOUT" envDefault:"30s"`
	RecomputeOnRead  bool          `env:"RECOMPUTE_ON_READ" envDefault:"true"`
}

// loadConfig loads path as a dotenv file when it exists, then parses the
// environment. Variables already set win over the file.
func loadConfig(path string) (*Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: envPrefix})
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.ApplePrivateKey == "" {
		cfg.ApplePrivateKey = cfg.ApplePrivateKeyFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch strings.ToLower(c.AppleEnvironment) {
	case "production", "sandbox":
	default:
		return fmt.Errorf("%sAPPLE_ENVIRONMENT must be production or sandbox, got %q", envPrefix, c.AppleEnvironment)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%sWORKERS must be positive", envPrefix)
	}
	if c.LedgerRetention < 24*time.Hour {
		return fmt.Errorf("%sLEDGER_RETENTION must cover provider retry windows (at least 24h)", envPrefix)
	}
	if c.StripeAPIKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("%sSTRIPE_WEBHOOK_SECRET is required when Stripe is enabled", envPrefix)
	}
	if c.AppleBundleID != "" && c.AppleVerifySignatures && len(c.AppleRootCerts) == 0 {
		return fmt.Errorf("%sAPPLE_ROOT_CERTS is required when signature verification is on", envPrefix)
	}
	return nil
}

// requireDatabase is checked by the commands that open storage.
func (c *Config) requireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%sDATABASE_URL is required", envPrefix)
	}
	return nil
}

func (c *Config) stripeEnabled() bool { return c.StripeAPIKey != "" }

func (c *Config) appleEnabled() bool { return c.AppleBundleID != "" }
