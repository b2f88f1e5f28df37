package appstore

import (
	"context"
	"crypto/x509"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

const (
	providerName            = "appstore"
	defaultRateLimitWindow  = time.Minute
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
)

// Config extends billing.Config with App Store options
type Config struct {
	billing.Config // Base config (Manager, HTTPClient, Metrics, etc.)

	// BundleID is the app's bundle identifier. Notifications for other
	// bundles are acknowledged and ignored.
	BundleID string

	// RootCertificates are the Apple root CAs signed payloads must chain to.
	RootCertificates []*x509.Certificate

	// SkipSignatureVerification decodes signed payloads without verifying
	// them. Only for local development against unsigned fixtures.
	SkipSignatureVerification bool

	// App Store Server API credentials (optional, required by SyncUser)
	KeyID       string
	IssuerID    string
	PrivateKey  string // PEM-encoded ES256 key (.p8)
	Environment string // "production" (default) or "sandbox"
	APIBaseURL  string // overrides the environment's base URL

	// Retry overrides the provider API retry policy.
	Retry *internal.RetryPolicy
}

// Provider implements the billing.Provider interface for the Apple App Store
type Provider struct {
	manager     *entitlement.Manager
	config      Config
	verifier    *Verifier
	api         *apiClient
	rateLimiter *internal.RateLimiter
	breaker     *internal.CircuitBreaker
	retry       internal.RetryPolicy
	metrics     billing.Metrics
	logger      entitlement.Logger
}

// NewProvider creates a new App Store billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	config.Config = config.Config.WithDefaults()
	logger := config.Manager.Logger()

	var verifier *Verifier
	if config.SkipSignatureVerification {
		logger.Warn("App Store signature verification disabled, signed payloads are trusted unverified")
		verifier = NewUnverifiedDecoder()
	} else {
		var err error
		if verifier, err = NewVerifier(config.RootCertificates); err != nil {
			return nil, err
		}
	}

	p := &Provider{
		manager:  config.Manager,
		config:   config,
		verifier: verifier,
		retry:    internal.DefaultRetryPolicy,
		metrics:  config.Metrics,
		logger:   logger,
	}
	if config.Retry != nil {
		p.retry = *config.Retry
	}
	if strings.TrimSpace(config.PrivateKey) != "" {
		api, err := newAPIClient(config, config.HTTPClient)
		if err != nil {
			return nil, err
		}
		p.api = api
	}
	if config.WebhookRateLimit > 0 {
		p.rateLimiter = internal.NewRateLimiter(config.WebhookRateLimit, defaultRateLimitWindow)
	}
	p.breaker = internal.NewCircuitBreaker(defaultBreakerThreshold, defaultBreakerReset,
		func(state internal.BreakerState) {
			logger.Warn("App Store API circuit breaker state changed", entitlement.Field{Key: "state", Value: string(state)})
		})
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for App Store Server Notifications
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	if p.rateLimiter == nil {
		return handler
	}
	return p.rateLimiter.Middleware(handler)
}

// SyncUser re-reads every stored App Store subscription of the user from
// the App Store Server API
func (p *Provider) SyncUser(ctx context.Context, userID string) (*entitlement.Outcome, error) {
	return p.syncUserFromAPI(ctx, userID)
}
