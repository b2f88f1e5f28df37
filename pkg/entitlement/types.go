package entitlement

import "time"

// Provider identifies the external system that owns a subscription record.
type Provider string

const (
	ProviderStripe   Provider = "stripe"
	ProviderAppStore Provider = "appstore"
)

// WebStatus is the lifecycle status of a card-billed web subscription.
type WebStatus string

const (
	WebStatusIncomplete WebStatus = "incomplete"
	WebStatusTrialing   WebStatus = "trialing"
	WebStatusActive     WebStatus = "active"
	WebStatusPastDue    WebStatus = "past_due"
	WebStatusCanceled   WebStatus = "canceled"
	WebStatusUnpaid     WebStatus = "unpaid"
)

// Valid reports whether s is a known web status.
func (s WebStatus) Valid() bool {
	switch s {
	case WebStatusIncomplete, WebStatusTrialing, WebStatusActive,
		WebStatusPastDue, WebStatusCanceled, WebStatusUnpaid:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted from s.
func (s WebStatus) Terminal() bool {
	return s == WebStatusCanceled
}

// StoreStatus is the lifecycle status of an in-app-purchase subscription.
type StoreStatus string

const (
	StoreStatusActive         StoreStatus = "active"
	StoreStatusInGracePeriod  StoreStatus = "in_grace_period"
	StoreStatusInBillingRetry StoreStatus = "in_billing_retry"
	StoreStatusExpired        StoreStatus = "expired"
	StoreStatusRevoked        StoreStatus = "revoked"
)

// Valid reports whether s is a known store status.
func (s StoreStatus) Valid() bool {
	switch s {
	case StoreStatusActive, StoreStatusInGracePeriod, StoreStatusInBillingRetry,
		StoreStatusExpired, StoreStatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted from s.
func (s StoreStatus) Terminal() bool {
	return s == StoreStatusRevoked
}

// Environment is the App Store environment a transaction was made in.
type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentSandbox    Environment = "sandbox"
)

// WebSubscription is the stored state of one external web subscription.
// Rows are keyed by ProviderSubscriptionID and updated in place.
type WebSubscription struct {
	ID                     string
	UserID                 string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	Status                 WebStatus
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool

	// AssertedAt is when the provider asserted this state: the event
	// creation time for webhooks, the fetch time for reconciliation.
	AssertedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StoreSubscription is the stored state of one App Store subscription lineage.
// Rows are keyed by OriginalTransactionID and updated in place.
type StoreSubscription struct {
	ID                    string
	UserID                string
	OriginalTransactionID string
	ProductID             string
	Status                StoreStatus
	PurchaseDate          time.Time
	ExpiresDate           time.Time
	Environment           Environment
	AutoRenew             bool
	AppAccountToken       string

	AssertedAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WebhookEvent is one entry of the dedup ledger.
type WebhookEvent struct {
	Provider    Provider
	EventID     string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// EventRef identifies an inbound provider event.
type EventRef struct {
	Provider Provider
	EventID  string
	Type     string
}

// UserEntitlement is the cached, derived premium flag for a user.
type UserEntitlement struct {
	UserID          string
	Premium         bool
	EffectiveExpiry *time.Time
	ComputedAt      time.Time
}

// Result is the output of Compute.
type Result struct {
	IsPremium bool

	// EffectiveExpiry is the latest end date among counting records.
	// Display only; nil when nothing counts.
	EffectiveExpiry *time.Time
}

// Outcome describes what a single apply or reconcile call did.
type Outcome struct {
	Result

	UserID string

	// Duplicate is true when the event was already processed.
	Duplicate bool

	// Applied is false when the incoming record was superseded by the
	// stored one or refused because the stored record is terminal.
	Applied bool

	// Changed is true when the user's premium flag flipped.
	Changed bool
}

// Status is the full entitlement view for a user.
type Status struct {
	UserID          string
	Premium         bool
	EffectiveExpiry *time.Time
	ComputedAt      time.Time
	Web             []WebSubscription
	Store           []StoreSubscription
}
