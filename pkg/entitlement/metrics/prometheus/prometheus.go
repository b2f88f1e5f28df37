package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// Metrics implements entitlement.Metrics using Prometheus.
type Metrics struct {
	eventsTotal        *prometheus.CounterVec
	applyDuration      *prometheus.HistogramVec
	premiumChanges     *prometheus.CounterVec
	recomputesTotal    *prometheus.CounterVec
	storageOpsDuration *prometheus.HistogramVec
	storageOpsErrors   *prometheus.CounterVec
	ledgerPrunedTotal  prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "events_total",
			Help:      "Provider events handled by the entitlement engine, by outcome.",
		}, []string{"provider", "outcome"}),

		applyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "apply_duration_seconds",
			Help:      "Duration of the ledger, upsert, compute and update sequence.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		premiumChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "premium_changes_total",
			Help:      "Premium flag flips, by new value.",
		}, []string{"premium"}),

		recomputesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "recomputes_total",
			Help:      "Entitlement recomputations, by trigger.",
		}, []string{"trigger"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "storage_operation_duration_seconds",
			Help:      "Duration of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "storage_operation_errors_total",
			Help:      "Failed storage operations.",
		}, []string{"operation"}),

		ledgerPrunedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "ledger_pruned_total",
			Help:      "Webhook ledger entries deleted by retention.",
		}),
	}
}

func (m *Metrics) RecordEvent(provider entitlement.Provider, outcome string) {
	m.eventsTotal.WithLabelValues(string(provider), outcome).Inc()
}

func (m *Metrics) RecordApplyDuration(provider entitlement.Provider, duration time.Duration) {
	m.applyDuration.WithLabelValues(string(provider)).Observe(duration.Seconds())
}

func (m *Metrics) RecordPremiumChange(premium bool) {
	m.premiumChanges.WithLabelValues(strconv.FormatBool(premium)).Inc()
}

func (m *Metrics) RecordRecompute(trigger string) {
	m.recomputesTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordLedgerPruned(count int64) {
	if count > 0 {
		m.ledgerPrunedTotal.Add(float64(count))
	}
}
