package appstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// RestoreResult reports a restore-purchases batch.
type RestoreResult struct {
	*entitlement.Outcome
	Restored int
	Skipped  int
}

// Restore upserts the signed transactions a client presents for userID.
// Each transaction is decoded and verified independently; invalid ones and
// ones owned by another user are skipped, as are transactions older than the
// stored record. Records are asserted at the transaction's signed date so a
// newer notification still wins. An error is returned only when
// nothing could be restored from a non-empty batch.
func (p *Provider) Restore(ctx context.Context, userID string, signedTransactions []string) (*RestoreResult, error) {
	now := p.manager.Now(ctx)
	result := &RestoreResult{}
	subs := make([]entitlement.StoreSubscription, 0, len(signedTransactions))
	var lastErr error

	for i, signed := range signedTransactions {
		var tx transactionPayload
		if err := p.verifier.Decode(signed, &tx); err != nil {
			p.logger.Warn("restore: skipping invalid transaction",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "index", Value: i},
				entitlement.Field{Key: "error", Value: err},
			)
			result.Skipped++
			lastErr = err
			continue
		}
		if p.config.BundleID != "" && tx.BundleID != "" && tx.BundleID != p.config.BundleID {
			result.Skipped++
			lastErr = fmt.Errorf("%w: bundle id mismatch", billing.ErrInvalidWebhookPayload)
			continue
		}

		assertedAt := fromMillis(tx.SignedDate)
		if tx.SignedDate == 0 {
			assertedAt = now
		}
		sub := storeSubscription(&tx, nil, deriveStatus(&tx, nil, now), assertedAt)

		stored, err := p.storedSubscription(ctx, sub.OriginalTransactionID)
		if err != nil {
			return nil, err
		}
		if stored != nil && stored.UserID != userID {
			p.logger.Warn("restore: transaction belongs to another user",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "original_transaction_id", Value: sub.OriginalTransactionID},
			)
			result.Skipped++
			continue
		}
		if !mergeRestored(stored, &sub) {
			p.logger.Info("restore: stored subscription is newer",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "original_transaction_id", Value: sub.OriginalTransactionID},
				entitlement.Field{Key: "stored_status", Value: stored.Status},
			)
			result.Skipped++
			continue
		}
		subs = append(subs, sub)
	}

	if len(subs) == 0 && lastErr != nil {
		return nil, lastErr
	}

	outcome, err := p.manager.ReconcileStore(ctx, userID, subs)
	if err != nil {
		return nil, err
	}
	if outcome.Changed {
		p.metrics.RecordEntitlementChange(providerName, outcome.IsPremium)
	}
	result.Outcome = outcome
	result.Restored = len(subs)
	p.metrics.RecordRestore(providerName, result.Restored, result.Skipped)
	return result, nil
}

func (p *Provider) storedSubscription(ctx context.Context, originalTransactionID string) (*entitlement.StoreSubscription, error) {
	stored, err := p.manager.FindStoreSubscription(ctx, originalTransactionID)
	if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return nil, nil
	}
	return stored, err
}

// mergeRestored folds what the stored row knows into a restored record and
// reports whether the record is worth writing. A signed transaction carries
// no renewal info, so it cannot tell grace or billing retry from expiry and
// says nothing about auto-renew. Revocations always apply.
func mergeRestored(stored *entitlement.StoreSubscription, sub *entitlement.StoreSubscription) bool {
	if stored == nil {
		return true
	}
	if sub.Status.Terminal() {
		return !stored.Status.Terminal()
	}
	if sub.ExpiresDate.Before(stored.ExpiresDate) {
		return false
	}
	sub.AutoRenew = stored.AutoRenew
	if sub.ExpiresDate.Equal(stored.ExpiresDate) {
		switch stored.Status {
		case entitlement.StoreStatusInGracePeriod, entitlement.StoreStatusInBillingRetry:
			if sub.Status == entitlement.StoreStatusExpired {
				sub.Status = stored.Status
			}
		}
		if sub.AssertedAt.Before(stored.AssertedAt) {
			sub.AssertedAt = stored.AssertedAt
		}
	}
	return true
}
