package entitlement

import "time"

// Compute derives the premium entitlement from a user's subscription records.
// It performs no I/O; now is injected so callers and tests control time.
//
// A user is premium when at least one record from either provider counts.
// EffectiveExpiry is the maximum period end among counting records.
func Compute(web []WebSubscription, store []StoreSubscription, now time.Time) Result {
	var res Result

	extend := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if res.EffectiveExpiry == nil || t.After(*res.EffectiveExpiry) {
			end := t
			res.EffectiveExpiry = &end
		}
	}

	for i := range web {
		if WebCounts(&web[i], now) {
			res.IsPremium = true
			extend(web[i].CurrentPeriodEnd)
		}
	}

	for i := range store {
		if StoreCounts(&store[i], now) {
			res.IsPremium = true
			extend(store[i].ExpiresDate)
		}
	}

	return res
}

// WebCounts reports whether a web subscription grants coverage at now.
// Canceled records keep counting until the paid period ends, and
// cancel_at_period_end has no effect before the period ends.
func WebCounts(sub *WebSubscription, now time.Time) bool {
	switch sub.Status {
	case WebStatusActive, WebStatusTrialing, WebStatusCanceled:
		return now.Before(sub.CurrentPeriodEnd)
	default:
		return false
	}
}

// StoreCounts reports whether a store subscription grants coverage at now.
// Grace and billing-retry records count regardless of expires_date.
func StoreCounts(sub *StoreSubscription, now time.Time) bool {
	switch sub.Status {
	case StoreStatusActive:
		return now.Before(sub.ExpiresDate)
	case StoreStatusInGracePeriod, StoreStatusInBillingRetry:
		return true
	default:
		return false
	}
}
