package http

import (
	"context"
	"net/http"
)

// Verdict is the outcome of gating one request.
type Verdict int

const (
	// Allow lets the request through.
	Allow Verdict = iota
	// Unauthenticated means no user ID was found.
	Unauthenticated
	// NotPremium means the user has no counting subscription.
	NotPremium
	// Unavailable means the entitlement could not be read.
	Unavailable
)

// Check gates userID against checker. The error is only set for Unavailable.
// Framework adapters call it so every gate answers the same way.
func Check(ctx context.Context, checker PremiumChecker, userID string) (Verdict, error) {
	if userID == "" {
		return Unauthenticated, nil
	}
	premium, err := checker.IsPremium(ctx, userID)
	switch {
	case err != nil:
		return Unavailable, err
	case !premium:
		return NotPremium, nil
	default:
		return Allow, nil
	}
}

// Status is the HTTP status a default rejection uses.
func (v Verdict) Status() int {
	switch v {
	case Unauthenticated:
		return http.StatusUnauthorized
	case NotPremium:
		return http.StatusPaymentRequired
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

// Message is the body text of a default rejection.
func (v Verdict) Message() string {
	switch v {
	case Unauthenticated:
		return "Unauthorized"
	case NotPremium:
		return "Premium subscription required"
	case Unavailable:
		return "Service Unavailable"
	default:
		return ""
	}
}

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Unauthenticated:
		return "unauthenticated"
	case NotPremium:
		return "not_premium"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}
