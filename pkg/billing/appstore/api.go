package appstore

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
)

const (
	productionAPIBaseURL = "https://api.storekit.itunes.apple.com"
	sandboxAPIBaseURL    = "https://api.storekit-sandbox.itunes.apple.com"
	apiAudience          = "appstoreconnect-v1"
	apiTokenTTL          = 20 * time.Minute
	maxAPIResponseBytes  = 1 << 20
)

// statusResponse is the App Store Server API "Get All Subscription
// Statuses" response.
type statusResponse struct {
	Environment string `json:"environment"`
	BundleID    string `json:"bundleId"`
	Data        []struct {
		SubscriptionGroupIdentifier string `json:"subscriptionGroupIdentifier"`
		LastTransactions            []struct {
			OriginalTransactionID string `json:"originalTransactionId"`
			Status                int    `json:"status"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
			SignedRenewalInfo     string `json:"signedRenewalInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

// apiClient calls the App Store Server API with an ES256 bearer token.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	keyID      string
	issuerID   string
	bundleID   string
	key        *ecdsa.PrivateKey
	now        func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newAPIClient(cfg Config, httpClient *http.Client) (*apiClient, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("%w: App Store API key: %v", billing.ErrProviderNotConfigured, err)
	}

	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = productionAPIBaseURL
		if strings.EqualFold(cfg.Environment, "sandbox") {
			baseURL = sandboxAPIBaseURL
		}
	}
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		keyID:      cfg.KeyID,
		issuerID:   cfg.IssuerID,
		bundleID:   cfg.BundleID,
		key:        key,
		now:        time.Now,
	}, nil
}

// bearer returns a cached token, re-signing it shortly before expiry.
func (c *apiClient) bearer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && now.Add(time.Minute).Before(c.tokenExp) {
		return c.token, nil
	}

	exp := now.Add(apiTokenTTL)
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": exp.Unix(),
		"aud": apiAudience,
		"bid": c.bundleID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.keyID

	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign App Store API token: %w", err)
	}
	c.token, c.tokenExp = signed, exp
	return signed, nil
}

// subscriptionStatuses fetches every subscription status in the group of
// originalTransactionID.
func (c *apiClient) subscriptionStatuses(ctx context.Context, originalTransactionID string) (*statusResponse, error) {
	bearer, err := c.bearer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internal.ErrPermanent, err)
	}

	endpoint := c.baseURL + "/inApps/v1/subscriptions/" + url.PathEscape(originalTransactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", internal.ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %w: status %d", internal.ErrPermanent, billing.ErrProviderAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %w: status %d", internal.ErrPermanent, billing.ErrUserNotFound, resp.StatusCode)
	default:
		return nil, fmt.Errorf("App Store API status %d", resp.StatusCode)
	}

	var out statusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode status response: %v", internal.ErrPermanent, err)
	}
	return &out, nil
}
