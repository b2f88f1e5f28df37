package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if p.webhookSecret == "" {
		p.metrics.RecordWebhookError(providerName, internal.RejectNotConfigured)
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, ok := internal.AcceptWebhook(w, r, billing.DefaultWebhookBodyLimit, func(reason string) {
		p.metrics.RecordWebhookError(providerName, reason)
	})
	if !ok {
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                p.config.SignatureTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		p.logger.Warn("stripe webhook signature rejected", entitlement.Field{Key: "error", Value: err})
		p.metrics.RecordWebhookError(providerName, internal.RejectAuthFailed)
		internal.WriteError(w, http.StatusUnauthorized, billing.ErrInvalidWebhookSignature.Error())
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	outcome, err := p.processWebhookEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("stripe webhook processing failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		if errors.Is(err, billing.ErrInvalidWebhookPayload) {
			p.metrics.RecordWebhookError(providerName, internal.RejectInvalidBody)
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		p.metrics.RecordWebhookError(providerName, internal.RejectProcessing)
		internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, billing.OutcomeLabel(outcome))

	status := "success"
	if outcome == nil {
		status = "ignored"
	}
	if outcome != nil {
		p.afterApply(r.Context(), &event, outcome)
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

// processWebhookEvent routes an event to its handler. A nil outcome means
// the event was recorded as ignored.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (*entitlement.Outcome, error) {
	ref := entitlement.EventRef{
		Provider: entitlement.ProviderStripe,
		EventID:  event.ID,
		Type:     string(event.Type),
	}
	assertedAt := time.Unix(event.Created, 0).UTC()
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event data missing", billing.ErrInvalidWebhookPayload)
	}

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.paused",
		"customer.subscription.resumed":
		payload, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return p.applySubscription(ctx, ref, payload, assertedAt, false, "")
	case "customer.subscription.deleted":
		payload, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		return p.applySubscription(ctx, ref, payload, assertedAt, true, "")
	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		return p.handleInvoice(ctx, ref, event)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, ref, event)
	default:
		return nil, p.manager.MarkIgnored(ctx, ref, "unhandled event type")
	}
}

// handleInvoice re-reads the invoice's subscription. The invoice carries
// no subscription state of its own.
func (p *Provider) handleInvoice(ctx context.Context, ref entitlement.EventRef, event *stripe.Event) (*entitlement.Outcome, error) {
	var invoice struct {
		Subscription objectRef `json:"subscription"`
		Parent       struct {
			SubscriptionDetails struct {
				Subscription objectRef `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}

	subscriptionID := string(invoice.Subscription)
	if subscriptionID == "" {
		subscriptionID = string(invoice.Parent.SubscriptionDetails.Subscription)
	}
	if subscriptionID == "" {
		return nil, p.manager.MarkIgnored(ctx, ref, "invoice without subscription")
	}
	return p.applyFetched(ctx, ref, subscriptionID, "")
}

// handleCheckoutSessionCompleted applies the subscription a checkout created.
// The session metadata names the user when the subscription does not.
func (p *Provider) handleCheckoutSessionCompleted(
	ctx context.Context, ref entitlement.EventRef, event *stripe.Event,
) (*entitlement.Outcome, error) {
	var session struct {
		ID                string            `json:"id"`
		Mode              string            `json:"mode"`
		Subscription      objectRef         `json:"subscription"`
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if session.Subscription == "" {
		return nil, p.manager.MarkIgnored(ctx, ref, "checkout session without subscription")
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	return p.applyFetched(ctx, ref, string(session.Subscription), userID)
}

// applyFetched retrieves the current subscription and applies it under ref.
// Fetched state is asserted at fetch time.
func (p *Provider) applyFetched(
	ctx context.Context, ref entitlement.EventRef, subscriptionID, fallbackUserID string,
) (*entitlement.Outcome, error) {
	sub, err := callAPI(ctx, p, "subscriptions.retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		return p.api.GetSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return nil, err
	}
	payload, err := payloadFromSubscription(sub)
	if err != nil {
		return nil, err
	}
	return p.applySubscription(ctx, ref, payload, p.manager.Now(ctx), false, fallbackUserID)
}

func (p *Provider) applySubscription(
	ctx context.Context, ref entitlement.EventRef, payload *subscriptionPayload,
	assertedAt time.Time, deleted bool, fallbackUserID string,
) (*entitlement.Outcome, error) {
	sub, err := payload.normalize(assertedAt, deleted)
	if errors.Is(err, errUnknownStatus) {
		p.logger.Info("ignoring stripe subscription with unknown status",
			entitlement.Field{Key: "event_id", Value: ref.EventID},
			entitlement.Field{Key: "subscription_id", Value: payload.ID},
			entitlement.Field{Key: "status", Value: payload.Status},
		)
		return nil, p.manager.MarkIgnored(ctx, ref, errUnknownStatus.Error())
	}
	if err != nil {
		return nil, err
	}
	if sub.UserID == "" {
		sub.UserID = fallbackUserID
	}
	if sub.UserID == "" {
		if sub.UserID, err = p.resolveUserID(ctx, &sub); err != nil {
			return nil, err
		}
	}

	outcome, err := p.manager.ApplyWebEvent(ctx, ref, sub)
	if err != nil {
		return nil, err
	}
	if outcome.Changed {
		p.metrics.RecordEntitlementChange(providerName, outcome.IsPremium)
	}
	return outcome, nil
}

// resolveUserID finds the owner of a subscription whose metadata carries
// no user: the stored record first, then the customer's metadata.
func (p *Provider) resolveUserID(ctx context.Context, sub *entitlement.WebSubscription) (string, error) {
	stored, err := p.manager.FindWebSubscription(ctx, sub.ProviderSubscriptionID)
	if err == nil {
		return stored.UserID, nil
	}
	if !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return "", err
	}

	if sub.ProviderCustomerID != "" {
		cust, err := callAPI(ctx, p, "customers.retrieve", func(ctx context.Context) (*stripe.Customer, error) {
			return p.api.GetCustomer(ctx, sub.ProviderCustomerID)
		})
		if err != nil {
			return "", err
		}
		if cust.Metadata != nil && cust.Metadata[metadataUserID] != "" {
			return cust.Metadata[metadataUserID], nil
		}
	}

	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s",
		billing.ErrUnattributable, sub.ProviderSubscriptionID)
}

func (p *Provider) afterApply(ctx context.Context, event *stripe.Event, outcome *entitlement.Outcome) {
	if p.config.WebhookCallback == nil || outcome.Duplicate {
		return
	}
	cbEvent := billing.WebhookEvent{
		UserID:         outcome.UserID,
		Provider:       providerName,
		EventID:        event.ID,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
		Premium:        outcome.IsPremium,
		Changed:        outcome.Changed,
		ExpiresAt:      outcome.EffectiveExpiry,
	}
	if err := p.config.WebhookCallback(ctx, cbEvent); err != nil {
		p.logger.Warn("webhook callback failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}
