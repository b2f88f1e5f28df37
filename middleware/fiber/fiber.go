// Package fiber provides Fiber middleware that gates routes on premium entitlement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	premiumhttp "github.com/mihaimyh/gopremium/middleware/http"
)

// UserIDKey is the Fiber locals key the middleware stores the user ID under
const UserIDKey = "premium.userID"

// UserIDExtractor returns the caller's user ID, or "" for anonymous requests.
type UserIDExtractor func(c *fiber.Ctx) string

// Config configures RequirePremium. Checker and GetUserID are required.
type Config struct {
	Checker   premiumhttp.PremiumChecker
	GetUserID UserIDExtractor

	// Rejection callbacks. Each defaults to a JSON body {"error": ...} with
	// 401, 402 or 503 respectively.
	OnUnauthorized func(c *fiber.Ctx) error
	OnNotPremium   func(c *fiber.Ctx) error
	OnError        func(c *fiber.Ctx, err error) error
}

// RequirePremium creates a Fiber middleware that only lets premium users through.
// The check runs against c.UserContext().
func RequirePremium(cfg Config) fiber.Handler {
	if cfg.Checker == nil {
		panic("gopremium/fiber: Config.Checker is required")
	}
	if cfg.GetUserID == nil {
		panic("gopremium/fiber: Config.GetUserID is required")
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		verdict, err := premiumhttp.Check(c.UserContext(), cfg.Checker, userID)
		switch {
		case verdict == premiumhttp.Allow:
			c.Locals(UserIDKey, userID)
			return c.Next()
		case verdict == premiumhttp.Unauthenticated && cfg.OnUnauthorized != nil:
			return cfg.OnUnauthorized(c)
		case verdict == premiumhttp.NotPremium && cfg.OnNotPremium != nil:
			return cfg.OnNotPremium(c)
		case verdict == premiumhttp.Unavailable && cfg.OnError != nil:
			return cfg.OnError(c, err)
		}
		return c.Status(verdict.Status()).JSON(fiber.Map{"error": verdict.Message()})
	}
}

// FromContext reads the user ID an upstream handler stored with c.Locals(key, id).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		id, _ := c.Locals(key).(string)
		return id
	}
}

// FromHeader reads the user ID from a request header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string { return c.Get(headerName) }
}

// FromParam reads the user ID from a route parameter.
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string { return c.Params(paramName) }
}
