package billing

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the providers. Wrap them with %w; pkg/api maps
// them to HTTP statuses and pkg/resync uses them to decide whether a job
// is worth retrying.
var (
	// ErrProviderNotConfigured means the credentials an operation needs are
	// missing. Never retried.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature covers a bad Stripe-Signature header and
	// an App Store JWS whose chain or signature does not verify.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload means the body verified but could not be
	// normalized into a provider event.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is the store's answer for an unknown original
	// transaction.
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrProviderAPIError wraps transport and 5xx failures from a provider API.
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrProviderAuth means the provider rejected our credentials (401/403).
	// It wraps ErrProviderAPIError: the key was revoked or rotated, and work
	// must survive until it is fixed.
	ErrProviderAuth = fmt.Errorf("%w: credentials rejected", ErrProviderAPIError)

	// ErrCustomerNotFound means no Stripe customer carries the user's id.
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrUnattributable means an event names no user and no stored
	// subscription resolves one.
	ErrUnattributable = errors.New("event cannot be attributed to a user")
)
