package api

import "time"

// StatusResponse represents the complete entitlement state for a user
type StatusResponse struct {
	UserID          string         `json:"user_id"`
	Premium         bool           `json:"premium"`
	EffectiveExpiry *time.Time     `json:"effective_expiry,omitempty"` // Display only
	ComputedAt      *time.Time     `json:"computed_at,omitempty"`
	Subscriptions   []Subscription `json:"subscriptions"`
}

// Subscription is one stored subscription record, web or store
type Subscription struct {
	Provider    string     `json:"provider"` // "stripe", "appstore"
	ID          string     `json:"id"`       // Provider subscription id or original transaction id
	ProductID   string     `json:"product_id,omitempty"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AutoRenew   bool       `json:"auto_renew"`
	Environment string     `json:"environment,omitempty"`
	Counts      bool       `json:"counts"` // Whether the record grants premium right now
}

// SyncResponse reports a manual sync across all configured providers
type SyncResponse struct {
	UserID    string                  `json:"user_id"`
	Premium   bool                    `json:"premium"`
	Providers map[string]ProviderSync `json:"providers"`
}

// ProviderSync is the result of syncing one provider
type ProviderSync struct {
	Status  string `json:"status"` // "synced", "no_customer", "failed"
	Applied bool   `json:"applied,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RestoreRequest is the body of POST /v1/entitlement/restore
type RestoreRequest struct {
	SignedTransactions []string `json:"signedTransactions"`
}

// RestoreResponse reports a restore-purchases batch
type RestoreResponse struct {
	UserID   string `json:"user_id"`
	Premium  bool   `json:"premium"`
	Restored int    `json:"restored"`
	Skipped  int    `json:"skipped"`
}

// CloseResponse reports an account closure
type CloseResponse struct {
	UserID  string `json:"user_id"`
	Premium bool   `json:"premium"`
}
