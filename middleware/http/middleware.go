// Package http provides HTTP middleware that gates handlers on premium entitlement
package http

import (
	"context"
	"net/http"
)

// PremiumChecker answers whether a user is premium right now.
// *entitlement.Manager implements it.
type PremiumChecker interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// UserIDExtractor returns the caller's user ID, or "" for anonymous requests.
type UserIDExtractor func(r *http.Request) string

// Config configures RequirePremium. Checker and GetUserID are required.
// A nil callback falls back to http.Error with the verdict's status and message.
type Config struct {
	Checker   PremiumChecker
	GetUserID UserIDExtractor

	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
	OnNotPremium   func(w http.ResponseWriter, r *http.Request)
	OnError        func(w http.ResponseWriter, r *http.Request, err error)
}

// RequirePremium creates an HTTP middleware that only lets premium users through.
// The user ID is stored in the request context for downstream handlers.
func RequirePremium(config Config) func(http.Handler) http.Handler {
	if config.Checker == nil {
		panic("gopremium/http: Config.Checker is required")
	}
	if config.GetUserID == nil {
		panic("gopremium/http: Config.GetUserID is required")
	}
	deny := func(w http.ResponseWriter, v Verdict) {
		http.Error(w, v.Message(), v.Status())
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			verdict, err := Check(r.Context(), config.Checker, userID)
			switch {
			case verdict == Allow:
				next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
			case verdict == Unauthenticated && config.OnUnauthorized != nil:
				config.OnUnauthorized(w, r)
			case verdict == NotPremium && config.OnNotPremium != nil:
				config.OnNotPremium(w, r)
			case verdict == Unavailable && config.OnError != nil:
				config.OnError(w, r, err)
			default:
				deny(w, verdict)
			}
		})
	}
}

// HandlerFunc is RequirePremium for plain handler functions.
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	gate := RequirePremium(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return gate(next).ServeHTTP
	}
}

// ContextKey keys request context values set by this package.
type ContextKey string

// UserIDKey holds the user ID of a request that passed the gate.
const UserIDKey ContextKey = "premium:userID"

// WithUserID returns ctx carrying userID under UserIDKey.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// UserID returns the user ID stored by WithUserID, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}

// FromContext reads the user ID an upstream auth middleware stored under key.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		id, _ := r.Context().Value(key).(string)
		return id
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string { return r.Header.Get(headerName) }
}
