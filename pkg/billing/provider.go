package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// Provider is the generic interface that any billing backend must implement.
// The HTTP surface and the resync worker only talk to providers through it.
type Provider interface {
	// Name returns the provider name (e.g., "stripe", "appstore")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles verification, normalization, and Manager updates internally.
	WebhookHandler() http.Handler

	// SyncUser fetches the user's authoritative subscription state from the
	// provider and reconciles it into the Manager. A provider failure leaves
	// stored state untouched and is returned as an error wrapping ErrProviderAPIError.
	SyncUser(ctx context.Context, userID string) (*entitlement.Outcome, error)
}
