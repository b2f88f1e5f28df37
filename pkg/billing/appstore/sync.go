package appstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// syncUserFromAPI reconciles the user's stored App Store subscriptions
// against the App Store Server API. The App Store has no user lookup, so
// only subscriptions already known for the user are re-read. Any API
// failure aborts before the Manager is touched.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (*entitlement.Outcome, error) {
	if p.api == nil {
		return nil, fmt.Errorf("%w: App Store Server API credentials missing", billing.ErrProviderNotConfigured)
	}

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.config.SyncTimeout)
	defer cancel()

	outcome, err := p.syncUser(ctx, userID)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.logger.Warn("App Store sync failed, state unchanged",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "error", Value: err},
		)
		return nil, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	if outcome.Changed {
		p.metrics.RecordEntitlementChange(providerName, outcome.IsPremium)
	}
	return outcome, nil
}

func (p *Provider) syncUser(ctx context.Context, userID string) (*entitlement.Outcome, error) {
	status, err := p.manager.Status(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var subs []entitlement.StoreSubscription
	for _, stored := range status.Store {
		if seen[stored.OriginalTransactionID] {
			continue
		}
		resp, err := p.fetchStatuses(ctx, stored.OriginalTransactionID)
		if err != nil {
			return nil, err
		}

		for _, group := range resp.Data {
			for _, last := range group.LastTransactions {
				sub, err := p.subscriptionFromAPI(last.Status, last.SignedTransactionInfo, last.SignedRenewalInfo)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
				}
				if seen[sub.OriginalTransactionID] {
					continue
				}
				seen[sub.OriginalTransactionID] = true
				subs = append(subs, sub)
			}
		}
		seen[stored.OriginalTransactionID] = true
	}

	return p.manager.ReconcileStore(ctx, userID, subs)
}

func (p *Provider) subscriptionFromAPI(code int, signedTx, signedRenewal string) (entitlement.StoreSubscription, error) {
	status, ok := statusFromAPI(code)
	if !ok {
		return entitlement.StoreSubscription{}, fmt.Errorf("unknown subscription status %d", code)
	}

	var tx transactionPayload
	if err := p.verifier.Decode(signedTx, &tx); err != nil {
		return entitlement.StoreSubscription{}, err
	}
	var renewal *renewalPayload
	if signedRenewal != "" {
		renewal = &renewalPayload{}
		if err := p.verifier.Decode(signedRenewal, renewal); err != nil {
			return entitlement.StoreSubscription{}, err
		}
	}
	// zero AssertedAt: the Manager stamps fetch time
	return storeSubscription(&tx, renewal, status, time.Time{}), nil
}

// fetchStatuses calls the API through the circuit breaker with retries.
func (p *Provider) fetchStatuses(ctx context.Context, originalTransactionID string) (*statusResponse, error) {
	const endpoint = "subscriptions.get"
	start := time.Now()

	resp, err := internal.Retry(ctx, p.retry, func(ctx context.Context) (*statusResponse, error) {
		var out *statusResponse
		err := p.breaker.Execute(func() error {
			var err error
			out, err = p.api.subscriptionStatuses(ctx, originalTransactionID)
			return err
		})
		if errors.Is(err, internal.ErrCircuitOpen) {
			return nil, fmt.Errorf("%w: %w", internal.ErrPermanent, err)
		}
		return out, err
	})
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))

	if err != nil {
		status := "error"
		if errors.Is(err, internal.ErrCircuitOpen) {
			status = "circuit_open"
		}
		p.metrics.RecordAPICall(providerName, endpoint, status)
		return nil, fmt.Errorf("%w: App Store %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return resp, nil
}
