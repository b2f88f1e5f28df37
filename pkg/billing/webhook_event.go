package billing

import "time"

// WebhookEvent describes a webhook that was applied and committed.
// It is passed to the WebhookCallback.
type WebhookEvent struct {
	// UserID is the internal user identifier
	UserID string

	// Provider is the billing provider name ("stripe", "appstore")
	Provider string

	// EventID is the provider's unique event identifier
	EventID string

	// EventType is the provider-specific event type
	// Stripe: "customer.subscription.updated", "invoice.payment_failed", etc.
	// App Store: "DID_RENEW", "EXPIRED", "REFUND", etc.
	EventType string

	// EventTimestamp is when the provider asserted the state
	EventTimestamp time.Time

	// Premium is the user's entitlement after the event
	Premium bool

	// Changed reports whether the event flipped the entitlement
	Changed bool

	// ExpiresAt is the effective entitlement expiry (nil when not premium)
	ExpiresAt *time.Time

	// Metadata contains provider-specific additional data
	// Stripe: subscription id, customer id
	// App Store: original transaction id, product id
	Metadata map[string]interface{}
}
