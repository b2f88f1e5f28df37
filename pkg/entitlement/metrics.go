package entitlement

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordEvent records an inbound provider event by outcome
	// ("applied", "superseded", "duplicate", "ignored", "error").
	RecordEvent(provider Provider, outcome string)

	// RecordApplyDuration records the duration of one locked apply sequence.
	RecordApplyDuration(provider Provider, duration time.Duration)

	// RecordPremiumChange records a flip of a user's premium flag.
	RecordPremiumChange(premium bool)

	// RecordRecompute records an entitlement recomputation by trigger
	// ("webhook", "reconcile", "close", "manual").
	RecordRecompute(trigger string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordLedgerPruned records how many ledger entries were pruned.
	RecordLedgerPruned(count int64)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(provider Provider, outcome string)                              {}
func (n *NoopMetrics) RecordApplyDuration(provider Provider, duration time.Duration)              {}
func (n *NoopMetrics) RecordPremiumChange(premium bool)                                           {}
func (n *NoopMetrics) RecordRecompute(trigger string)                                             {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordLedgerPruned(count int64)                                             {}
