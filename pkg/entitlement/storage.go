package entitlement

import (
	"context"
	"time"
)

// Storage defines the persistence required by the Manager.
// Subscription tables and the ledger are the only shared mutable state;
// implementations must make WithUserLock atomic as a unit.
type Storage interface {
	// RecordEvent inserts a ledger entry for (provider, eventID) if it does
	// not exist yet and reports whether it has already been processed.
	RecordEvent(ctx context.Context, provider Provider, eventID string, receivedAt time.Time) (processed bool, err error)

	// MarkEventProcessed stamps processed_at on a ledger entry outside any
	// user transaction. Used for events that carry no applicable state.
	MarkEventProcessed(ctx context.Context, provider Provider, eventID string, at time.Time) error

	// WithUserLock runs fn in a transaction holding an exclusive lock on the
	// user's entitlement row, creating the row if needed. If fn returns an
	// error the transaction is rolled back and nothing fn wrote is visible.
	WithUserLock(ctx context.Context, userID string, fn func(tx Tx) error) error

	// GetUserEntitlement returns the cached entitlement or ErrUserNotFound.
	GetUserEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)

	// FindWebSubscription returns the row for an external subscription id
	// or ErrSubscriptionNotFound.
	FindWebSubscription(ctx context.Context, providerSubscriptionID string) (*WebSubscription, error)

	// FindStoreSubscription returns the row for an original transaction id
	// or ErrSubscriptionNotFound.
	FindStoreSubscription(ctx context.Context, originalTransactionID string) (*StoreSubscription, error)

	ListWebSubscriptions(ctx context.Context, userID string) ([]WebSubscription, error)
	ListStoreSubscriptions(ctx context.Context, userID string) ([]StoreSubscription, error)

	// PruneEvents deletes processed ledger entries received before cutoff.
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tx is the view of storage inside a user-locked transaction.
type Tx interface {
	IsEventProcessed(ctx context.Context, provider Provider, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, provider Provider, eventID string, at time.Time) error

	// GetWebSubscription returns the row or ErrSubscriptionNotFound.
	GetWebSubscription(ctx context.Context, providerSubscriptionID string) (*WebSubscription, error)
	// GetStoreSubscription returns the row or ErrSubscriptionNotFound.
	GetStoreSubscription(ctx context.Context, originalTransactionID string) (*StoreSubscription, error)

	// UpsertWebSubscription inserts or overwrites the row keyed by
	// ProviderSubscriptionID. ID and CreatedAt of an existing row are kept.
	UpsertWebSubscription(ctx context.Context, sub *WebSubscription) error
	// UpsertStoreSubscription inserts or overwrites the row keyed by
	// OriginalTransactionID. ID and CreatedAt of an existing row are kept.
	UpsertStoreSubscription(ctx context.Context, sub *StoreSubscription) error

	ListWebSubscriptions(ctx context.Context, userID string) ([]WebSubscription, error)
	ListStoreSubscriptions(ctx context.Context, userID string) ([]StoreSubscription, error)

	// GetUserEntitlement returns the locked entitlement row.
	GetUserEntitlement(ctx context.Context, userID string) (*UserEntitlement, error)

	// SetPremium writes the premium flag together with the computation stamp.
	SetPremium(ctx context.Context, userID string, premium bool, expiry *time.Time, computedAt time.Time) error

	// StampComputed records a recomputation that did not change the flag.
	StampComputed(ctx context.Context, userID string, expiry *time.Time, computedAt time.Time) error
}

// TimeSource defines an interface for getting time from the storage engine.
// When the storage implements it and Config.UseStorageTime is set, the
// Manager evaluates entitlements against storage time so that instances
// with skewed clocks agree.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}
