// Package echo provides Echo middleware that gates routes on premium entitlement
package echo

import (
	"github.com/labstack/echo/v4"

	premiumhttp "github.com/mihaimyh/gopremium/middleware/http"
)

// UserIDKey is the Echo context key the middleware stores the user ID under
const UserIDKey = "premium.userID"

// UserIDExtractor returns the caller's user ID, or "" for anonymous requests.
type UserIDExtractor func(c echo.Context) string

// Config configures RequirePremium. Checker and GetUserID are required.
type Config struct {
	Checker   premiumhttp.PremiumChecker
	GetUserID UserIDExtractor

	// OnUnauthorized defaults to 401 JSON.
	OnUnauthorized func(c echo.Context) error
	// OnNotPremium defaults to 402 JSON.
	OnNotPremium func(c echo.Context) error
	// OnError defaults to 503 JSON. The storage error is not exposed.
	OnError func(c echo.Context, err error) error
}

// RequirePremium creates an Echo middleware that only lets premium users through.
func RequirePremium(cfg Config) echo.MiddlewareFunc {
	if cfg.Checker == nil {
		panic("gopremium/echo: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("gopremium/echo: Config.GetUserID is required")
	}
	reject := map[premiumhttp.Verdict]echo.HandlerFunc{
		premiumhttp.Unauthenticated: deny(premiumhttp.Unauthenticated),
		premiumhttp.NotPremium:      deny(premiumhttp.NotPremium),
	}
	if cfg.OnUnauthorized != nil {
		reject[premiumhttp.Unauthenticated] = cfg.OnUnauthorized
	}
	if cfg.OnNotPremium != nil {
		reject[premiumhttp.NotPremium] = cfg.OnNotPremium
	}
	onError := cfg.OnError
	if onError == nil {
		unavailable := deny(premiumhttp.Unavailable)
		onError = func(c echo.Context, _ error) error { return unavailable(c) }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			verdict, err := premiumhttp.Check(c.Request().Context(), cfg.Checker, userID)
			switch verdict {
			case premiumhttp.Allow:
				c.Set(UserIDKey, userID)
				return next(c)
			case premiumhttp.Unavailable:
				return onError(c, err)
			default:
				return reject[verdict](c)
			}
		}
	}
}

func deny(v premiumhttp.Verdict) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(v.Status(), map[string]string{"error": v.Message()})
	}
}

// FromContext reads the user ID an upstream auth middleware stored with c.Set(key, id).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		id, _ := c.Get(key).(string)
		return id
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string { return c.Request().Header.Get(headerName) }
}

// FromParam reads the user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string { return c.Param(paramName) }
}
