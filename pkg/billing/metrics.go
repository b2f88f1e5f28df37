package billing

import (
	"time"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// Metrics collects provider-side observations. Engine-side counters
// (applied, duplicate, superseded events) live in entitlement.Metrics.
type Metrics interface {
	// Webhook ingestion. status is an OutcomeLabel or "error"; reason is
	// one of the internal Reject* labels.
	RecordWebhookEvent(provider, eventType, status string)
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)
	RecordWebhookError(provider, reason string)

	// Reconciliation against the provider API. status is "success" or "error".
	RecordUserSync(provider, status string)
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordRestore counts client-presented transactions by whether they
	// were upserted or skipped.
	RecordRestore(provider string, restored, skipped int)

	// RecordEntitlementChange counts premium flips caused by a provider operation.
	RecordEntitlementChange(provider string, premium bool)

	// Outbound API calls. status is "success", "error" or "circuit_open".
	RecordAPICall(provider, endpoint, status string)
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// OutcomeLabel names what a webhook did to stored state. A nil outcome
// means the event was recorded and ignored.
func OutcomeLabel(outcome *entitlement.Outcome) string {
	switch {
	case outcome == nil:
		return "ignored"
	case outcome.Duplicate:
		return "duplicate"
	case outcome.Applied:
		return "applied"
	default:
		return "superseded"
	}
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (*NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (*NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (*NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (*NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (*NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (*NoopMetrics) RecordRestore(_ string, _, _ int)                             {}
func (*NoopMetrics) RecordEntitlementChange(_ string, _ bool)                     {}
func (*NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (*NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}

var _ Metrics = (*NoopMetrics)(nil)
