// Package prommetrics exports billing provider metrics to Prometheus.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gopremium/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
	userSyncDuration          *prometheus.HistogramVec
	restoredTransactionsTotal *prometheus.CounterVec
	entitlementChangesTotal   *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

var _ billing.Metrics = (*Metrics)(nil)

// NewMetrics registers the billing collectors on reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	seconds := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
		}, labels)
	}

	// Provider API calls include retries and run up to the sync timeout.
	apiBuckets := []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16}

	return &Metrics{
		webhookEventsTotal: counter("webhook_events_total",
			"Webhook events accepted, by what they did to stored state.",
			"provider", "event_type", "status"),
		webhookProcessingDuration: seconds("webhook_processing_duration_seconds",
			"Time from a verified webhook to its committed outcome.",
			prometheus.DefBuckets, "provider", "event_type"),
		webhookErrorsTotal: counter("webhook_errors_total",
			"Webhook deliveries rejected or failed, by reason.",
			"provider", "reason"),
		userSyncTotal: counter("user_sync_total",
			"Reconciliations of a user against the provider API.",
			"provider", "status"),
		userSyncDuration: seconds("user_sync_duration_seconds",
			"Duration of a user reconciliation.",
			apiBuckets, "provider"),
		restoredTransactionsTotal: counter("restored_transactions_total",
			"Client-presented store transactions, by restore result.",
			"provider", "result"),
		entitlementChangesTotal: counter("entitlement_changes_total",
			"Premium flips caused by provider operations.",
			"provider", "premium"),
		apiCallsTotal: counter("api_calls_total",
			"Calls to provider APIs.",
			"provider", "endpoint", "status"),
		apiCallDuration: seconds("api_call_duration_seconds",
			"Duration of provider API calls, retries included.",
			apiBuckets, "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, reason string) {
	m.webhookErrorsTotal.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.userSyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordRestore(provider string, restored, skipped int) {
	m.restoredTransactionsTotal.WithLabelValues(provider, "restored").Add(float64(restored))
	m.restoredTransactionsTotal.WithLabelValues(provider, "skipped").Add(float64(skipped))
}

func (m *Metrics) RecordEntitlementChange(provider string, premium bool) {
	m.entitlementChangesTotal.WithLabelValues(provider, strconv.FormatBool(premium)).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}
