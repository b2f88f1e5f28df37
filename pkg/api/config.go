package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/appstore"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// Restorer upserts client-presented signed store transactions for a user.
// *appstore.Provider implements it.
type Restorer interface {
	Restore(ctx context.Context, userID string, signedTransactions []string) (*appstore.RestoreResult, error)
}

// Config holds configuration for the entitlement API handler
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts the authenticated user ID from the request (required).
	// Authentication happens upstream; return "" for anonymous requests.
	GetUserID func(*http.Request) string

	// Providers are synced by POST /v1/entitlement/sync, in order
	Providers []billing.Provider

	// Restorer serves POST /v1/entitlement/restore. Nil disables the route.
	Restorer Restorer

	// SyncTimeout bounds a single provider sync (default: 8s)
	SyncTimeout time.Duration

	// MaxBodyBytes limits restore request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// RecomputeOnRead re-derives the flag before answering a status query so
	// that entitlements which aged out since the last event read as expired
	RecomputeOnRead bool

	// OnError replaces the default JSON error responses when set
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: the manager's logger)
	Logger entitlement.Logger
}

// Validate reports the first missing required field.
func (c *Config) Validate() error {
	switch {
	case c.Manager == nil:
		return errors.New("api: Manager is required")
	case c.GetUserID == nil:
		return errors.New("api: GetUserID is required")
	}
	for i, p := range c.Providers {
		if p == nil {
			return fmt.Errorf("api: Providers[%d] is nil", i)
		}
	}
	return nil
}

// NewHandler validates config and fills in defaults.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 8 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.Logger == nil {
		config.Logger = config.Manager.Logger()
	}
	return &Handler{config: config}, nil
}

// DefaultUserHeader carries the authenticated user id set by an upstream gateway
const DefaultUserHeader = "X-User-ID"

// FromHeader trusts the named header as the authenticated user id.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string { return r.Header.Get(headerName) }
}

// FromContext reads a string user id stored under key by an auth middleware.
func FromContext(key any) func(*http.Request) string {
	return func(r *http.Request) string {
		id, _ := r.Context().Value(key).(string)
		return id
	}
}
