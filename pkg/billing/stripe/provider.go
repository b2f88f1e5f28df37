package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

const (
	providerName            = "stripe"
	defaultRateLimitWindow  = time.Minute
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
	metadataUserID          = "user_id"
)

// Config extends billing.Config with Stripe credentials. The API key is
// only needed for sync and checkout lookups; webhooks need the secret.
type Config struct {
	billing.Config

	StripeAPIKey        string
	StripeWebhookSecret string

	// SignatureTolerance is the maximum age of a signed webhook
	// (default: the Stripe library's 300s).
	SignatureTolerance time.Duration

	// CustomerIDResolver maps a user id to a Stripe customer id. When nil,
	// sync tries stored subscriptions, then searches customer metadata.
	CustomerIDResolver func(context.Context, string) (string, error)

	// API overrides the Stripe client (tests, proxies). If nil, a client
	// is built from StripeAPIKey.
	API API

	// Retry overrides the provider API retry policy.
	Retry *internal.RetryPolicy
}

// Provider feeds Stripe subscription state into the entitlement manager.
type Provider struct {
	manager            *entitlement.Manager
	config             Config
	api                API
	rateLimiter        *internal.RateLimiter
	breaker            *internal.CircuitBreaker
	retry              internal.RetryPolicy
	webhookSecret      string
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             entitlement.Logger
}

// NewProvider fails with billing.ErrProviderNotConfigured when there is no
// manager, or when neither an API override nor an API key is given.
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.Config.WithDefaults()

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		api = newClientAPI(stripe.NewClient(apiKey))
	}

	logger := config.Manager.Logger()
	p := &Provider{
		manager:            config.Manager,
		config:             config,
		api:                api,
		retry:              internal.DefaultRetryPolicy,
		webhookSecret:      strings.TrimSpace(config.StripeWebhookSecret),
		customerIDResolver: config.CustomerIDResolver,
		metrics:            config.Metrics,
		logger:             logger,
	}
	if config.Retry != nil {
		p.retry = *config.Retry
	}
	if config.WebhookRateLimit > 0 {
		p.rateLimiter = internal.NewRateLimiter(config.WebhookRateLimit, defaultRateLimitWindow)
	}
	p.breaker = internal.NewCircuitBreaker(defaultBreakerThreshold, defaultBreakerReset,
		func(state internal.BreakerState) {
			logger.Warn("stripe API circuit breaker state changed", entitlement.Field{Key: "state", Value: string(state)})
		})
	return p, nil
}

func (p *Provider) Name() string { return providerName }

// WebhookHandler serves Stripe event deliveries, rate limited per client IP
// when WebhookRateLimit is set.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// SyncUser pulls the user's subscriptions from Stripe and reconciles the
// web records against them.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*entitlement.Outcome, error) {
	return p.syncUserFromAPI(ctx, userID)
}
