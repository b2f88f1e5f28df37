package stripe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// syncUserFromAPI reconciles every Stripe subscription of the user's
// customers. Any API failure aborts before the Manager is touched.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (*entitlement.Outcome, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.config.SyncTimeout)
	defer cancel()

	outcome, err := p.syncUser(ctx, userID)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.logger.Warn("stripe sync failed, state unchanged",
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
	customerIDs, err := p.customerIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var subs []entitlement.WebSubscription
	for _, customerID := range customerIDs {
		list, err := callAPI(ctx, p, "subscriptions.list", func(ctx context.Context) ([]*stripe.Subscription, error) {
			return p.api.ListSubscriptions(ctx, customerID)
		})
		if err != nil {
			return nil, err
		}
		for _, item := range list {
			payload, err := payloadFromSubscription(item)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
			}
			sub, err := payload.normalize(time.Time{}, false)
			if err != nil {
				p.logger.Warn("skipping stripe subscription with unknown status",
					entitlement.Field{Key: "subscription_id", Value: payload.ID},
					entitlement.Field{Key: "status", Value: payload.Status},
				)
				continue
			}
			subs = append(subs, sub)
		}
	}

	// Zero AssertedAt makes the Manager stamp its own clock on fetched state.
	return p.manager.ReconcileWeb(ctx, userID, subs)
}

// customerIDs collects the user's Stripe customers: the resolver hook,
// customers of stored subscriptions, then the Search API.
func (p *Provider) customerIDs(ctx context.Context, userID string) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	// FAST PATH: App provides the mapping (O(1))
	if p.customerIDResolver != nil {
		id, err := p.customerIDResolver(ctx, userID)
		if err != nil {
			p.logger.Debug("customer id resolver failed, falling back",
				entitlement.Field{Key: "user_id", Value: userID},
				entitlement.Field{Key: "error", Value: err},
			)
		}
		add(id)
	}

	status, err := p.manager.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sub := range status.Web {
		add(sub.ProviderCustomerID)
	}

	// SLOW PATH: Stripe Search API (eventually consistent)
	if len(ids) == 0 {
		found, err := callAPI(ctx, p, "customers.search", func(ctx context.Context) ([]string, error) {
			return p.api.FindCustomerIDs(ctx, userID)
		})
		if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
			return nil, err
		}
		for _, id := range found {
			add(id)
		}
	}

	sort.Strings(ids)
	return ids, nil
}

// callAPI runs a Stripe API call through the circuit breaker with retries
// and records its metrics. Failures wrap billing.ErrProviderAPIError.
func callAPI[T any](ctx context.Context, p *Provider, endpoint string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := internal.Retry(ctx, p.retry, func(ctx context.Context) (T, error) {
		var out T
		err := p.breaker.Execute(func() error {
			var err error
			out, err = fn(ctx)
			return err
		})
		if errors.Is(err, internal.ErrCircuitOpen) {
			return out, fmt.Errorf("%w: %w", internal.ErrPermanent, err)
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
		return v, fmt.Errorf("%w: stripe %s: %w", billing.ErrProviderAPIError, endpoint, err)
	}
	p.metrics.RecordAPICall(providerName, endpoint, "success")
	return v, nil
}
