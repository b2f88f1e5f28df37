package entitlement

import (
	"context"
	"time"
)

// applyPremium is the single writer of a user's premium flag. It runs inside
// the transaction that produced res, writes the flag only when it differs
// from the stored value, and always stamps the computation time. Flips are
// reported by Manager.notify once the transaction has committed.
func applyPremium(ctx context.Context, tx Tx, userID string, res Result, now time.Time) (bool, error) {
	current, err := tx.GetUserEntitlement(ctx, userID)
	if err != nil {
		return false, err
	}

	if current.Premium == res.IsPremium {
		return false, tx.StampComputed(ctx, userID, res.EffectiveExpiry, now)
	}

	if err := tx.SetPremium(ctx, userID, res.IsPremium, res.EffectiveExpiry, now); err != nil {
		return false, err
	}
	return true, nil
}
