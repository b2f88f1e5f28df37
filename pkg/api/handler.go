package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

const (
	syncStatusSynced     = "synced"
	syncStatusNoCustomer = "no_customer"
	syncStatusDisabled   = "not_configured"
	syncStatusFailed     = "failed"
)

// Handler provides HTTP endpoints for entitlement inspection and repair
type Handler struct {
	config Config
}

// Routes returns the authenticated user routes:
//
//	GET  /v1/entitlement
//	POST /v1/entitlement/sync
//	POST /v1/entitlement/restore
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/entitlement", h.GetStatus)
	r.Post("/v1/entitlement/sync", h.Sync)
	if h.config.Restorer != nil {
		r.Post("/v1/entitlement/restore", h.Restore)
	}
	return r
}

// InternalRoutes returns routes for trusted internal callers. Mount them
// behind network-level access control:
//
//	DELETE /users/{userID}
func (h *Handler) InternalRoutes() chi.Router {
	r := chi.NewRouter()
	r.Delete("/users/{userID}", h.CloseAccount)
	return r
}

// GetStatus returns the caller's entitlement and subscription records
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if h.config.RecomputeOnRead {
		if _, err := h.config.Manager.Recompute(ctx, userID); err != nil {
			h.handleError(w, r, fmt.Errorf("failed to recompute entitlement: %w", err), statusFor(err))
			return
		}
	}

	status, err := h.config.Manager.Status(ctx, userID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, buildStatus(status, h.config.Manager.Now(ctx)))
}

// Sync pulls the caller's authoritative state from every configured provider.
// Providers that fail leave the caller's stored state untouched; the
// response is 502 only when every provider failed.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	response := SyncResponse{
		UserID:    userID,
		Providers: make(map[string]ProviderSync, len(h.config.Providers)),
	}
	failed := 0
	for _, provider := range h.config.Providers {
		result := h.syncProvider(ctx, provider, userID)
		if result.Status == syncStatusFailed {
			failed++
		}
		response.Providers[provider.Name()] = result
	}

	premium, err := h.config.Manager.IsPremium(ctx, userID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	response.Premium = premium

	code := http.StatusOK
	if failed > 0 && failed == len(h.config.Providers) {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, response)
}

func (h *Handler) syncProvider(ctx context.Context, provider billing.Provider, userID string) ProviderSync {
	ctx, cancel := context.WithTimeout(ctx, h.config.SyncTimeout)
	defer cancel()

	outcome, err := provider.SyncUser(ctx, userID)
	switch {
	case err == nil:
		return ProviderSync{Status: syncStatusSynced, Applied: outcome != nil && outcome.Applied}
	case errors.Is(err, billing.ErrCustomerNotFound), errors.Is(err, billing.ErrUserNotFound):
		return ProviderSync{Status: syncStatusNoCustomer}
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return ProviderSync{Status: syncStatusDisabled}
	default:
		h.config.Logger.Error("manual sync failed",
			entitlement.Field{Key: "provider", Value: provider.Name()},
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err},
		)
		return ProviderSync{Status: syncStatusFailed, Error: err.Error()}
	}
}

// Restore upserts the signed store transactions the caller's device presents
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req RestoreRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.handleError(w, r, fmt.Errorf("request body too large"), http.StatusRequestEntityTooLarge)
			return
		}
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if len(req.SignedTransactions) == 0 {
		h.handleError(w, r, fmt.Errorf("signedTransactions is required"), http.StatusBadRequest)
		return
	}

	result, err := h.config.Restorer.Restore(ctx, userID, req.SignedTransactions)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	response := RestoreResponse{
		UserID:   userID,
		Restored: result.Restored,
		Skipped:  result.Skipped,
	}
	if result.Outcome != nil {
		response.Premium = result.IsPremium
	}
	writeJSON(w, http.StatusOK, response)
}

// CloseAccount ends every subscription of the user named in the path
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	outcome, err := h.config.Manager.CloseAccount(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}

	writeJSON(w, http.StatusOK, CloseResponse{UserID: userID, Premium: outcome.IsPremium})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func buildStatus(status *entitlement.Status, now time.Time) StatusResponse {
	response := StatusResponse{
		UserID:          status.UserID,
		Premium:         status.Premium,
		EffectiveExpiry: status.EffectiveExpiry,
		Subscriptions:   make([]Subscription, 0, len(status.Web)+len(status.Store)),
	}
	if !status.ComputedAt.IsZero() {
		computedAt := status.ComputedAt
		response.ComputedAt = &computedAt
	}

	for i := range status.Web {
		sub := &status.Web[i]
		response.Subscriptions = append(response.Subscriptions, Subscription{
			Provider:  string(entitlement.ProviderStripe),
			ID:        sub.ProviderSubscriptionID,
			Status:    string(sub.Status),
			ExpiresAt: timePtr(sub.CurrentPeriodEnd),
			AutoRenew: !sub.CancelAtPeriodEnd && !sub.Status.Terminal(),
			Counts:    entitlement.WebCounts(sub, now),
		})
	}
	for i := range status.Store {
		sub := &status.Store[i]
		response.Subscriptions = append(response.Subscriptions, Subscription{
			Provider:    string(entitlement.ProviderAppStore),
			ID:          sub.OriginalTransactionID,
			ProductID:   sub.ProductID,
			Status:      string(sub.Status),
			ExpiresAt:   timePtr(sub.ExpiresDate),
			AutoRenew:   sub.AutoRenew,
			Environment: string(sub.Environment),
			Counts:      entitlement.StoreCounts(sub, now),
		})
	}
	return response
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// statusFor maps engine and provider errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, entitlement.ErrInvalidUserID):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrInvalidWebhookPayload), errors.Is(err, billing.ErrInvalidWebhookSignature):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log encoding error but response already sent
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("entitlement API request failed",
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "error", Value: err},
		)
	}

	// Default error handling
	writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
