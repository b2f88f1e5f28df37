package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

const (
	// DefaultSyncTimeout bounds a single on-demand provider fetch.
	DefaultSyncTimeout = 8 * time.Second

	// DefaultWebhookBodyLimit caps webhook payloads.
	DefaultWebhookBodyLimit = 256 * 1024
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Manager is the entitlement Manager every provider writes through
	Manager *entitlement.Manager

	// WebhookSecret is used to verify incoming webhook requests (e.g. the
	// Stripe endpoint signing secret).
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncUser).
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// SyncTimeout bounds SyncUser, retries included (default: 8s).
	SyncTimeout time.Duration

	// WebhookRateLimit is the number of webhook requests allowed per client IP
	// per minute (default: 100). Zero keeps the default, negative disables.
	WebhookRateLimit int

	// WebhookCallback is called after a webhook was applied and committed.
	// Errors are logged and never fail the webhook.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.NewMetrics(registry, namespace) for Prometheus metrics.
	Metrics Metrics
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.WebhookRateLimit == 0 {
		c.WebhookRateLimit = 100
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	return c
}
