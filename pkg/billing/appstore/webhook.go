package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// handleWebhook processes App Store Server Notifications V2
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	body, ok := internal.AcceptWebhook(w, r, billing.DefaultWebhookBodyLimit, func(reason string) {
		p.metrics.RecordWebhookError(providerName, reason)
	})
	if !ok {
		return
	}

	var envelope struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.SignedPayload == "" {
		p.metrics.RecordWebhookError(providerName, internal.RejectInvalidBody)
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var notification notificationPayload
	if err := p.verifier.Decode(envelope.SignedPayload, &notification); err != nil {
		p.rejectDecode(w, err)
		return
	}

	eventType := notification.NotificationType
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	outcome, err := p.processNotification(r.Context(), &notification)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.logger.Error("App Store notification processing failed",
			entitlement.Field{Key: "notification_uuid", Value: notification.NotificationUUID},
			entitlement.Field{Key: "notification_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		switch {
		case errors.Is(err, billing.ErrInvalidWebhookSignature):
			p.metrics.RecordWebhookError(providerName, internal.RejectAuthFailed)
			internal.WriteError(w, http.StatusUnauthorized, billing.ErrInvalidWebhookSignature.Error())
		case errors.Is(err, billing.ErrInvalidWebhookPayload):
			p.metrics.RecordWebhookError(providerName, internal.RejectInvalidBody)
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		default:
			p.metrics.RecordWebhookError(providerName, internal.RejectProcessing)
			internal.WriteError(w, http.StatusInternalServerError, "failed to process notification")
		}
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, billing.OutcomeLabel(outcome))

	status := "success"
	if outcome == nil {
		status = "ignored"
	}
	if outcome != nil {
		p.afterApply(r.Context(), &notification, outcome)
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (p *Provider) rejectDecode(w http.ResponseWriter, err error) {
	p.logger.Warn("App Store signed payload rejected", entitlement.Field{Key: "error", Value: err})
	if errors.Is(err, billing.ErrInvalidWebhookSignature) {
		p.metrics.RecordWebhookError(providerName, internal.RejectAuthFailed)
		internal.WriteError(w, http.StatusUnauthorized, billing.ErrInvalidWebhookSignature.Error())
		return
	}
	p.metrics.RecordWebhookError(providerName, internal.RejectInvalidBody)
	internal.WriteError(w, http.StatusBadRequest, "invalid payload")
}

// processNotification applies a verified notification. A nil outcome means
// the notification was recorded as ignored.
func (p *Provider) processNotification(ctx context.Context, n *notificationPayload) (*entitlement.Outcome, error) {
	if n.NotificationUUID == "" {
		return nil, fmt.Errorf("%w: notificationUUID missing", billing.ErrInvalidWebhookPayload)
	}
	ref := entitlement.EventRef{
		Provider: entitlement.ProviderAppStore,
		EventID:  n.NotificationUUID,
		Type:     n.NotificationType,
	}

	kind, ok := eventKind(n.NotificationType, n.Subtype)
	if !ok {
		return nil, p.manager.MarkIgnored(ctx, ref, "notification carries no subscription state")
	}
	if p.config.BundleID != "" && n.Data.BundleID != p.config.BundleID {
		return nil, p.manager.MarkIgnored(ctx, ref, "bundle id mismatch")
	}
	if n.Data.SignedTransactionInfo == "" {
		return nil, fmt.Errorf("%w: signedTransactionInfo missing", billing.ErrInvalidWebhookPayload)
	}

	var tx transactionPayload
	if err := p.verifier.Decode(n.Data.SignedTransactionInfo, &tx); err != nil {
		return nil, err
	}
	var renewal *renewalPayload
	if n.Data.SignedRenewalInfo != "" {
		renewal = &renewalPayload{}
		if err := p.verifier.Decode(n.Data.SignedRenewalInfo, renewal); err != nil {
			return nil, err
		}
	}

	assertedAt := fromMillis(n.SignedDate)
	if assertedAt.IsZero() {
		assertedAt = p.manager.Now(ctx)
	}
	status, ok := kind.TargetStatus(deriveStatus(&tx, renewal, assertedAt))
	if !ok {
		return nil, p.manager.MarkIgnored(ctx, ref, "unmapped notification kind")
	}
	sub := storeSubscription(&tx, renewal, status, assertedAt)

	if sub.UserID == "" {
		stored, err := p.manager.FindStoreSubscription(ctx, sub.OriginalTransactionID)
		switch {
		case err == nil:
			sub.UserID = stored.UserID
		case errors.Is(err, entitlement.ErrSubscriptionNotFound):
			p.logger.Warn("unattributable App Store notification acknowledged",
				entitlement.Field{Key: "notification_uuid", Value: n.NotificationUUID},
				entitlement.Field{Key: "original_transaction_id", Value: sub.OriginalTransactionID},
			)
			return nil, p.manager.MarkIgnored(ctx, ref, billing.ErrUnattributable.Error())
		default:
			return nil, err
		}
	}

	outcome, err := p.manager.ApplyStoreEvent(ctx, ref, sub)
	if err != nil {
		return nil, err
	}
	if outcome.Changed {
		p.metrics.RecordEntitlementChange(providerName, outcome.IsPremium)
	}
	return outcome, nil
}

func (p *Provider) afterApply(ctx context.Context, n *notificationPayload, outcome *entitlement.Outcome) {
	if p.config.WebhookCallback == nil || outcome.Duplicate {
		return
	}
	event := billing.WebhookEvent{
		UserID:         outcome.UserID,
		Provider:       providerName,
		EventID:        n.NotificationUUID,
		EventType:      n.NotificationType,
		EventTimestamp: fromMillis(n.SignedDate),
		Premium:        outcome.IsPremium,
		Changed:        outcome.Changed,
		ExpiresAt:      outcome.EffectiveExpiry,
		Metadata:       map[string]interface{}{"subtype": n.Subtype},
	}
	if err := p.config.WebhookCallback(ctx, event); err != nil {
		p.logger.Warn("webhook callback failed",
			entitlement.Field{Key: "notification_uuid", Value: n.NotificationUUID},
			entitlement.Field{Key: "error", Value: err},
		)
	}
}
