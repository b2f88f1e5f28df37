package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultLedgerRetention is how long processed ledger entries are kept.
const DefaultLedgerRetention = 30 * 24 * time.Hour

const maxUserIDLen = 255

// Config configures a Manager.
type Config struct {
	// LedgerRetention is how long processed ledger entries are kept
	// (default: 30 days). It must cover the providers' retry windows.
	LedgerRetention time.Duration

	// Now returns the current time (default: time.Now in UTC).
	Now func() time.Time

	// UseStorageTime evaluates entitlements against storage time when the
	// storage implements TimeSource. Falls back to Now on error.
	UseStorageTime bool

	// OnChange is called after a commit that flipped a user's premium flag.
	OnChange func(ctx context.Context, userID string, premium bool)

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// Manager applies provider state to subscription records and keeps each
// user's premium flag in sync with them.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new entitlement manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.LedgerRetention <= 0 {
		config.LedgerRetention = DefaultLedgerRetention
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	return &Manager{
		storage: storage,
		config:  config,
	}, nil
}

// Logger returns the manager's logger so provider packages log through the
// same sink.
func (m *Manager) Logger() Logger {
	return m.config.Logger
}

// Now returns the time the manager evaluates entitlements against.
func (m *Manager) Now(ctx context.Context) time.Time {
	if m.config.UseStorageTime {
		if ts, ok := m.storage.(TimeSource); ok {
			if now, err := ts.Now(ctx); err == nil {
				return now.UTC()
			}
		}
	}
	return m.config.Now()
}

// ApplyWebEvent applies a web subscription state carried by a provider event.
// Redelivered events that were already processed are a no-op.
func (m *Manager) ApplyWebEvent(ctx context.Context, ev EventRef, sub WebSubscription) (*Outcome, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	if err := validateWeb(&sub); err != nil {
		return nil, err
	}

	owner, err := m.webOwner(ctx, &sub)
	if err != nil {
		return nil, err
	}
	sub.UserID = owner
	if err := validateUserID(sub.UserID); err != nil {
		return nil, err
	}

	return m.applyEvent(ctx, ev, sub.UserID, func(ctx context.Context, tx Tx, now time.Time) (bool, error) {
		return m.upsertWeb(ctx, tx, &sub, now)
	})
}

// ApplyStoreEvent applies a store subscription state carried by a provider
// event. Redelivered events that were already processed are a no-op.
func (m *Manager) ApplyStoreEvent(ctx context.Context, ev EventRef, sub StoreSubscription) (*Outcome, error) {
	if err := validateEvent(ev); err != nil {
		return nil, err
	}
	if err := validateStore(&sub); err != nil {
		return nil, err
	}

	owner, err := m.storeOwner(ctx, &sub)
	if err != nil {
		return nil, err
	}
	sub.UserID = owner
	if err := validateUserID(sub.UserID); err != nil {
		return nil, err
	}

	return m.applyEvent(ctx, ev, sub.UserID, func(ctx context.Context, tx Tx, now time.Time) (bool, error) {
		return m.upsertStore(ctx, tx, &sub, now)
	})
}

// MarkIgnored records an event that carries no applicable state (unknown
// type, unattributable subject) so that redeliveries short-circuit.
func (m *Manager) MarkIgnored(ctx context.Context, ev EventRef, reason string) error {
	if err := validateEvent(ev); err != nil {
		return err
	}

	now := m.Now(ctx)
	processed, err := m.storage.RecordEvent(ctx, ev.Provider, ev.EventID, now)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	m.config.Metrics.RecordEvent(ev.Provider, "ignored")
	if processed {
		return nil
	}

	m.config.Logger.Info("provider event ignored",
		Field{"provider", ev.Provider},
		Field{"event_id", ev.EventID},
		Field{"event_type", ev.Type},
		Field{"reason", reason},
	)

	return m.storage.MarkEventProcessed(ctx, ev.Provider, ev.EventID, now)
}

// ReconcileWeb upserts authoritative web records fetched from the provider
// and recomputes the user's entitlement.
func (m *Manager) ReconcileWeb(ctx context.Context, userID string, subs []WebSubscription) (*Outcome, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].UserID = userID
		if err := validateWeb(&subs[i]); err != nil {
			return nil, err
		}
	}

	return m.reconcile(ctx, userID, func(ctx context.Context, tx Tx, now time.Time) (bool, error) {
		applied := false
		for i := range subs {
			if subs[i].AssertedAt.IsZero() {
				subs[i].AssertedAt = now
			}
			ok, err := m.upsertWeb(ctx, tx, &subs[i], now)
			if err != nil {
				return false, err
			}
			applied = applied || ok
		}
		return applied, nil
	})
}

// ReconcileStore upserts authoritative store records (API fetch or a
// restore-purchases batch) and recomputes the user's entitlement. Each
// record is upserted independently.
func (m *Manager) ReconcileStore(ctx context.Context, userID string, subs []StoreSubscription) (*Outcome, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i].UserID = userID
		if err := validateStore(&subs[i]); err != nil {
			return nil, err
		}
	}

	return m.reconcile(ctx, userID, func(ctx context.Context, tx Tx, now time.Time) (bool, error) {
		applied := false
		for i := range subs {
			if subs[i].AssertedAt.IsZero() {
				subs[i].AssertedAt = now
			}
			ok, err := m.upsertStore(ctx, tx, &subs[i], now)
			if err != nil {
				return false, err
			}
			applied = applied || ok
		}
		return applied, nil
	})
}

// Recompute re-derives the user's entitlement from stored records.
// Entitlements age out at period end without any event, so callers run
// this on read paths or schedules that need the stored flag fresh.
func (m *Manager) Recompute(ctx context.Context, userID string) (*Outcome, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return m.runLocked(ctx, userID, "manual", func(context.Context, Tx, time.Time) (bool, error) {
		return false, nil
	})
}

// CloseAccount ends every subscription of a closed or deleted account:
// web records become canceled with the period cut at now, store records
// become revoked. The resulting entitlement is false.
func (m *Manager) CloseAccount(ctx context.Context, userID string) (*Outcome, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	return m.runLocked(ctx, userID, "close", func(ctx context.Context, tx Tx, now time.Time) (bool, error) {
		web, err := tx.ListWebSubscriptions(ctx, userID)
		if err != nil {
			return false, err
		}
		for i := range web {
			sub := web[i]
			if sub.Status == WebStatusCanceled && !sub.CurrentPeriodEnd.After(now) {
				continue
			}
			sub.Status = WebStatusCanceled
			sub.CancelAtPeriodEnd = false
			if sub.CurrentPeriodEnd.After(now) {
				sub.CurrentPeriodEnd = now
			}
			sub.AssertedAt = now
			sub.UpdatedAt = now
			if err := tx.UpsertWebSubscription(ctx, &sub); err != nil {
				return false, err
			}
		}

		store, err := tx.ListStoreSubscriptions(ctx, userID)
		if err != nil {
			return false, err
		}
		for i := range store {
			sub := store[i]
			if sub.Status == StoreStatusRevoked {
				continue
			}
			sub.Status = StoreStatusRevoked
			sub.AutoRenew = false
			sub.AssertedAt = now
			sub.UpdatedAt = now
			if err := tx.UpsertStoreSubscription(ctx, &sub); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// IsPremium answers the single read-only query other subsystems consume.
// Users with no computed entitlement are not premium.
func (m *Manager) IsPremium(ctx context.Context, userID string) (bool, error) {
	if err := validateUserID(userID); err != nil {
		return false, err
	}

	start := time.Now()
	ent, err := m.storage.GetUserEntitlement(ctx, userID)
	m.config.Metrics.RecordStorageOperation("get_user_entitlement", time.Since(start), ignoreNotFound(err))
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent.Premium, nil
}

// Status returns the user's entitlement together with all subscription rows.
func (m *Manager) Status(ctx context.Context, userID string) (*Status, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	status := &Status{UserID: userID}
	ent, err := m.storage.GetUserEntitlement(ctx, userID)
	switch {
	case err == nil:
		status.Premium = ent.Premium
		status.EffectiveExpiry = ent.EffectiveExpiry
		status.ComputedAt = ent.ComputedAt
	case errors.Is(err, ErrUserNotFound):
	default:
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if status.Web, err = m.storage.ListWebSubscriptions(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to list web subscriptions: %w", err)
	}
	if status.Store, err = m.storage.ListStoreSubscriptions(ctx, userID); err != nil {
		return nil, fmt.Errorf("failed to list store subscriptions: %w", err)
	}
	return status, nil
}

// FindWebSubscription looks up a stored web subscription by external id.
func (m *Manager) FindWebSubscription(ctx context.Context, providerSubscriptionID string) (*WebSubscription, error) {
	return m.storage.FindWebSubscription(ctx, providerSubscriptionID)
}

// FindStoreSubscription looks up a stored store subscription by original transaction id.
func (m *Manager) FindStoreSubscription(ctx context.Context, originalTransactionID string) (*StoreSubscription, error) {
	return m.storage.FindStoreSubscription(ctx, originalTransactionID)
}

// PruneLedger deletes processed ledger entries older than the retention window.
func (m *Manager) PruneLedger(ctx context.Context) (int64, error) {
	cutoff := m.Now(ctx).Add(-m.config.LedgerRetention)

	start := time.Now()
	n, err := m.storage.PruneEvents(ctx, cutoff)
	m.config.Metrics.RecordStorageOperation("prune_events", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}

	m.config.Metrics.RecordLedgerPruned(n)
	m.config.Logger.Info("ledger pruned", Field{"deleted", n}, Field{"cutoff", cutoff})
	return n, nil
}

type mutation func(ctx context.Context, tx Tx, now time.Time) (applied bool, err error)

func (m *Manager) applyEvent(ctx context.Context, ev EventRef, userID string, mutate mutation) (*Outcome, error) {
	start := time.Now()
	now := m.Now(ctx)

	processed, err := m.storage.RecordEvent(ctx, ev.Provider, ev.EventID, now)
	m.config.Metrics.RecordStorageOperation("record_event", time.Since(start), err)
	if err != nil {
		m.config.Metrics.RecordEvent(ev.Provider, "error")
		return nil, fmt.Errorf("failed to record event: %w", err)
	}
	if processed {
		m.config.Metrics.RecordEvent(ev.Provider, "duplicate")
		m.config.Logger.Debug("duplicate provider event",
			Field{"provider", ev.Provider}, Field{"event_id", ev.EventID})
		return &Outcome{UserID: userID, Duplicate: true}, nil
	}

	outcome := &Outcome{UserID: userID}
	err = m.storage.WithUserLock(ctx, userID, func(tx Tx) error {
		// A concurrent redelivery may have committed while we waited for the lock.
		done, err := tx.IsEventProcessed(ctx, ev.Provider, ev.EventID)
		if err != nil {
			return err
		}
		if done {
			outcome.Duplicate = true
			return nil
		}

		if outcome.Applied, err = mutate(ctx, tx, now); err != nil {
			return err
		}
		if err := m.recompute(ctx, tx, userID, now, outcome); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, ev.Provider, ev.EventID, now)
	})
	m.config.Metrics.RecordApplyDuration(ev.Provider, time.Since(start))
	if err != nil {
		m.config.Metrics.RecordEvent(ev.Provider, "error")
		return nil, fmt.Errorf("failed to apply %s event %s: %w", ev.Provider, ev.EventID, err)
	}

	switch {
	case outcome.Duplicate:
		m.config.Metrics.RecordEvent(ev.Provider, "duplicate")
		return outcome, nil
	case outcome.Applied:
		m.config.Metrics.RecordEvent(ev.Provider, "applied")
	default:
		m.config.Metrics.RecordEvent(ev.Provider, "superseded")
	}
	m.config.Metrics.RecordRecompute("webhook")
	m.notify(ctx, outcome)
	return outcome, nil
}

func (m *Manager) reconcile(ctx context.Context, userID string, mutate mutation) (*Outcome, error) {
	return m.runLocked(ctx, userID, "reconcile", mutate)
}

func (m *Manager) runLocked(ctx context.Context, userID, trigger string, mutate mutation) (*Outcome, error) {
	now := m.Now(ctx)
	outcome := &Outcome{UserID: userID}

	start := time.Now()
	err := m.storage.WithUserLock(ctx, userID, func(tx Tx) error {
		var err error
		if outcome.Applied, err = mutate(ctx, tx, now); err != nil {
			return err
		}
		return m.recompute(ctx, tx, userID, now, outcome)
	})
	m.config.Metrics.RecordStorageOperation(trigger, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to %s entitlement for %s: %w", trigger, userID, err)
	}

	m.config.Metrics.RecordRecompute(trigger)
	m.notify(ctx, outcome)
	return outcome, nil
}

func (m *Manager) recompute(ctx context.Context, tx Tx, userID string, now time.Time, outcome *Outcome) error {
	web, err := tx.ListWebSubscriptions(ctx, userID)
	if err != nil {
		return err
	}
	store, err := tx.ListStoreSubscriptions(ctx, userID)
	if err != nil {
		return err
	}

	outcome.Result = Compute(web, store, now)
	outcome.Changed, err = applyPremium(ctx, tx, userID, outcome.Result, now)
	return err
}

func (m *Manager) upsertWeb(ctx context.Context, tx Tx, sub *WebSubscription, now time.Time) (bool, error) {
	existing, err := tx.GetWebSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return false, err
	}
	if errors.Is(err, ErrSubscriptionNotFound) {
		existing = nil
	}

	decision := DecideWeb(existing, sub)
	if decision != DecisionApply {
		m.config.Logger.Info("web subscription update not applied",
			Field{"subscription_id", sub.ProviderSubscriptionID},
			Field{"decision", decision.String()},
			Field{"stored_status", existing.Status},
			Field{"incoming_status", sub.Status},
		)
		return false, nil
	}

	if existing != nil {
		if !ExpectedWebTransition(existing.Status, sub.Status) {
			m.config.Logger.Warn("unexpected web subscription transition accepted",
				Field{"subscription_id", sub.ProviderSubscriptionID},
				Field{"from", existing.Status},
				Field{"to", sub.Status},
			)
		}
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.ID = uuid.NewString()
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	return true, tx.UpsertWebSubscription(ctx, sub)
}

func (m *Manager) upsertStore(ctx context.Context, tx Tx, sub *StoreSubscription, now time.Time) (bool, error) {
	existing, err := tx.GetStoreSubscription(ctx, sub.OriginalTransactionID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return false, err
	}
	if errors.Is(err, ErrSubscriptionNotFound) {
		existing = nil
	}

	decision := DecideStore(existing, sub)
	if decision != DecisionApply {
		m.config.Logger.Info("store subscription update not applied",
			Field{"original_transaction_id", sub.OriginalTransactionID},
			Field{"decision", decision.String()},
			Field{"stored_status", existing.Status},
			Field{"incoming_status", sub.Status},
		)
		return false, nil
	}

	if existing != nil {
		if !ExpectedStoreTransition(existing.Status, sub.Status) {
			m.config.Logger.Warn("unexpected store subscription transition accepted",
				Field{"original_transaction_id", sub.OriginalTransactionID},
				Field{"from", existing.Status},
				Field{"to", sub.Status},
			)
		}
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else {
		sub.ID = uuid.NewString()
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	return true, tx.UpsertStoreSubscription(ctx, sub)
}

// webOwner keeps a subscription attached to the user that first owned it.
func (m *Manager) webOwner(ctx context.Context, sub *WebSubscription) (string, error) {
	existing, err := m.storage.FindWebSubscription(ctx, sub.ProviderSubscriptionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return sub.UserID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find web subscription: %w", err)
	}
	if sub.UserID != "" && existing.UserID != sub.UserID {
		m.config.Logger.Warn("web subscription user mismatch, keeping stored owner",
			Field{"subscription_id", sub.ProviderSubscriptionID},
			Field{"stored_user_id", existing.UserID},
			Field{"event_user_id", sub.UserID},
		)
	}
	return existing.UserID, nil
}

func (m *Manager) storeOwner(ctx context.Context, sub *StoreSubscription) (string, error) {
	existing, err := m.storage.FindStoreSubscription(ctx, sub.OriginalTransactionID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return sub.UserID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find store subscription: %w", err)
	}
	if sub.UserID != "" && existing.UserID != sub.UserID {
		m.config.Logger.Warn("store subscription user mismatch, keeping stored owner",
			Field{"original_transaction_id", sub.OriginalTransactionID},
			Field{"stored_user_id", existing.UserID},
			Field{"event_user_id", sub.UserID},
		)
	}
	return existing.UserID, nil
}

// notify reports a committed premium flip.
func (m *Manager) notify(ctx context.Context, outcome *Outcome) {
	if !outcome.Changed {
		return
	}
	m.config.Metrics.RecordPremiumChange(outcome.IsPremium)
	m.config.Logger.Info("premium entitlement changed",
		Field{"user_id", outcome.UserID},
		Field{"from", !outcome.IsPremium},
		Field{"to", outcome.IsPremium},
	)
	if m.config.OnChange != nil {
		m.config.OnChange(ctx, outcome.UserID, outcome.IsPremium)
	}
}

func validateEvent(ev EventRef) error {
	if ev.Provider == "" || strings.TrimSpace(ev.EventID) == "" {
		return ErrInvalidEvent
	}
	return nil
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" || len(userID) > maxUserIDLen {
		return ErrInvalidUserID
	}
	return nil
}

func validateWeb(sub *WebSubscription) error {
	if sub.ProviderSubscriptionID == "" {
		return fmt.Errorf("%w: missing subscription id", ErrInvalidRecord)
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: unknown web status %q", ErrInvalidRecord, sub.Status)
	}
	if sub.UserID != "" && len(sub.UserID) > maxUserIDLen {
		return ErrInvalidUserID
	}
	return nil
}

func validateStore(sub *StoreSubscription) error {
	if sub.OriginalTransactionID == "" {
		return fmt.Errorf("%w: missing original transaction id", ErrInvalidRecord)
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: unknown store status %q", ErrInvalidRecord, sub.Status)
	}
	if sub.UserID != "" && len(sub.UserID) > maxUserIDLen {
		return ErrInvalidUserID
	}
	return nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	return err
}
