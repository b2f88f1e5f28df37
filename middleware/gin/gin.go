// Package gin provides Gin middleware that gates routes on premium entitlement
package gin

import (
	gongin "github.com/gin-gonic/gin"

	premiumhttp "github.com/mihaimyh/gopremium/middleware/http"
)

// UserIDKey is the Gin context key the middleware stores the user ID under
const UserIDKey = "premium.userID"

// UserIDExtractor returns the caller's user ID, or "" for anonymous requests.
type UserIDExtractor func(c *gongin.Context) string

// Config configures RequirePremium. Checker and GetUserID are required.
type Config struct {
	// Checker is usually *entitlement.Manager.
	Checker premiumhttp.PremiumChecker

	GetUserID UserIDExtractor

	// OnNotPremium handles known users without premium. Defaults to 402 JSON.
	OnNotPremium func(c *gongin.Context)

	// OnUnauthorized handles requests without a user ID. Defaults to 401 JSON.
	OnUnauthorized func(c *gongin.Context)

	// OnError handles storage failures. Defaults to 503 JSON.
	OnError func(c *gongin.Context, err error)
}

// RequirePremium creates a Gin middleware that only lets premium users through.
// Rejections abort the chain after the matching callback has written.
func RequirePremium(cfg Config) gongin.HandlerFunc {
	if cfg.Checker == nil {
		panic("gopremium/gin: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("gopremium/gin: Config.GetUserID is required")
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = func(c *gongin.Context) { deny(c, premiumhttp.Unauthenticated) }
	}
	if cfg.OnNotPremium == nil {
		cfg.OnNotPremium = func(c *gongin.Context) { deny(c, premiumhttp.NotPremium) }
	}
	if cfg.OnError == nil {
		cfg.OnError = func(c *gongin.Context, _ error) { deny(c, premiumhttp.Unavailable) }
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		verdict, err := premiumhttp.Check(c.Request.Context(), cfg.Checker, userID)
		switch verdict {
		case premiumhttp.Allow:
			c.Set(UserIDKey, userID)
			c.Next()
			return
		case premiumhttp.Unauthenticated:
			cfg.OnUnauthorized(c)
		case premiumhttp.NotPremium:
			cfg.OnNotPremium(c)
		default:
			cfg.OnError(c, err)
		}
		c.Abort()
	}
}

func deny(c *gongin.Context, v premiumhttp.Verdict) {
	c.JSON(v.Status(), gongin.H{"error": v.Message()})
}

// FromContext reads the user ID an upstream auth handler stored with c.Set(key, id).
// Non-string values count as anonymous.
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string { return c.GetHeader(headerName) }
}

// FromParam reads the user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string { return c.Param(paramName) }
}
