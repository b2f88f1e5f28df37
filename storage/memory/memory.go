// Package memory provides an in-memory implementation of the entitlement.Storage interface.
// This implementation is primarily intended for testing and development.
//
// WithUserLock serializes work per user and stages every write in a
// transaction overlay that is merged only when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// Storage implements entitlement.Storage using in-memory maps
type Storage struct {
	mu     sync.RWMutex
	users  map[string]*entitlement.UserEntitlement
	web    map[string]*entitlement.WebSubscription
	store  map[string]*entitlement.StoreSubscription
	events map[string]*entitlement.WebhookEvent

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	faultsMu sync.Mutex
	faults   map[string]error
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:  make(map[string]*entitlement.UserEntitlement),
		web:    make(map[string]*entitlement.WebSubscription),
		store:  make(map[string]*entitlement.StoreSubscription),
		events: make(map[string]*entitlement.WebhookEvent),
		locks:  make(map[string]*sync.Mutex),
		faults: make(map[string]error),
	}
}

// FailOn makes the named operation return err until cleared with a nil err.
// Operation names match the Tx and Storage method names.
func (s *Storage) FailOn(operation string, err error) {
	s.faultsMu.Lock()
	defer s.faultsMu.Unlock()
	if err == nil {
		delete(s.faults, operation)
		return
	}
	s.faults[operation] = err
}

func (s *Storage) fault(operation string) error {
	s.faultsMu.Lock()
	defer s.faultsMu.Unlock()
	return s.faults[operation]
}

func eventKey(provider entitlement.Provider, eventID string) string {
	return string(provider) + "|" + eventID
}

// RecordEvent implements entitlement.Storage
func (s *Storage) RecordEvent(
	_ context.Context, provider entitlement.Provider, eventID string, receivedAt time.Time,
) (bool, error) {
	if err := s.fault("RecordEvent"); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(provider, eventID)
	if ev, ok := s.events[key]; ok {
		return ev.ProcessedAt != nil, nil
	}
	s.events[key] = &entitlement.WebhookEvent{
		Provider:   provider,
		EventID:    eventID,
		ReceivedAt: receivedAt,
	}
	return false, nil
}

// MarkEventProcessed implements entitlement.Storage
func (s *Storage) MarkEventProcessed(
	_ context.Context, provider entitlement.Provider, eventID string, at time.Time,
) error {
	if err := s.fault("MarkEventProcessed"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.markProcessedLocked(provider, eventID, at)
	return nil
}

func (s *Storage) markProcessedLocked(provider entitlement.Provider, eventID string, at time.Time) {
	key := eventKey(provider, eventID)
	processedAt := at
	ev, ok := s.events[key]
	if !ok {
		ev = &entitlement.WebhookEvent{Provider: provider, EventID: eventID, ReceivedAt: at}
		s.events[key] = ev
	}
	ev.ProcessedAt = &processedAt
}

// Event returns a copy of a ledger entry, for inspection in tests.
func (s *Storage) Event(provider entitlement.Provider, eventID string) (*entitlement.WebhookEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return nil, false
	}
	evCopy := *ev
	return &evCopy, true
}

// EventCount returns the number of ledger entries.
func (s *Storage) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Storage) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// WithUserLock implements entitlement.Storage
func (s *Storage) WithUserLock(ctx context.Context, userID string, fn func(tx entitlement.Tx) error) error {
	if err := s.fault("WithUserLock"); err != nil {
		return err
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		s:      s,
		userID: userID,
		web:    make(map[string]*entitlement.WebSubscription),
		store:  make(map[string]*entitlement.StoreSubscription),
		events: make(map[string]stagedEvent),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.commit()
	return nil
}

// GetUserEntitlement implements entitlement.Storage
func (s *Storage) GetUserEntitlement(_ context.Context, userID string) (*entitlement.UserEntitlement, error) {
	if err := s.fault("GetUserEntitlement"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.users[userID]
	if !ok {
		return nil, entitlement.ErrUserNotFound
	}
	return copyEntitlement(ent), nil
}

// FindWebSubscription implements entitlement.Storage
func (s *Storage) FindWebSubscription(_ context.Context, id string) (*entitlement.WebSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.web[id]
	if !ok {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// FindStoreSubscription implements entitlement.Storage
func (s *Storage) FindStoreSubscription(_ context.Context, id string) (*entitlement.StoreSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.store[id]
	if !ok {
		return nil, entitlement.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// ListWebSubscriptions implements entitlement.Storage
func (s *Storage) ListWebSubscriptions(_ context.Context, userID string) ([]entitlement.WebSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listWebLocked(userID, nil), nil
}

// ListStoreSubscriptions implements entitlement.Storage
func (s *Storage) ListStoreSubscriptions(_ context.Context, userID string) ([]entitlement.StoreSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listStoreLocked(userID, nil), nil
}

// PruneEvents implements entitlement.Storage
func (s *Storage) PruneEvents(_ context.Context, cutoff time.Time) (int64, error) {
	if err := s.fault("PruneEvents"); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, ev := range s.events {
		if ev.ProcessedAt != nil && ev.ReceivedAt.Before(cutoff) {
			delete(s.events, key)
			n++
		}
	}
	return n, nil
}

func (s *Storage) listWebLocked(
	userID string, overlay map[string]*entitlement.WebSubscription,
) []entitlement.WebSubscription {
	out := make([]entitlement.WebSubscription, 0)
	for id, sub := range s.web {
		if staged, ok := overlay[id]; ok {
			sub = staged
		}
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	for id, sub := range overlay {
		if _, ok := s.web[id]; !ok && sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProviderSubscriptionID < out[j].ProviderSubscriptionID
	})
	return out
}

func (s *Storage) listStoreLocked(
	userID string, overlay map[string]*entitlement.StoreSubscription,
) []entitlement.StoreSubscription {
	out := make([]entitlement.StoreSubscription, 0)
	for id, sub := range s.store {
		if staged, ok := overlay[id]; ok {
			sub = staged
		}
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	for id, sub := range overlay {
		if _, ok := s.store[id]; !ok && sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OriginalTransactionID < out[j].OriginalTransactionID
	})
	return out
}

func copyEntitlement(ent *entitlement.UserEntitlement) *entitlement.UserEntitlement {
	entCopy := *ent
	if ent.EffectiveExpiry != nil {
		expiry := *ent.EffectiveExpiry
		entCopy.EffectiveExpiry = &expiry
	}
	return &entCopy
}

// memTx stages writes until WithUserLock commits them.
type memTx struct {
	s      *Storage
	userID string

	user   *entitlement.UserEntitlement
	web    map[string]*entitlement.WebSubscription
	store  map[string]*entitlement.StoreSubscription
	events map[string]stagedEvent
}

type stagedEvent struct {
	provider entitlement.Provider
	eventID  string
	at       time.Time
}

func (t *memTx) IsEventProcessed(_ context.Context, provider entitlement.Provider, eventID string) (bool, error) {
	if err := t.s.fault("IsEventProcessed"); err != nil {
		return false, err
	}
	key := eventKey(provider, eventID)
	if _, ok := t.events[key]; ok {
		return true, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	ev, ok := t.s.events[key]
	return ok && ev.ProcessedAt != nil, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, provider entitlement.Provider, eventID string, at time.Time) error {
	if err := t.s.fault("MarkEventProcessed"); err != nil {
		return err
	}
	t.events[eventKey(provider, eventID)] = stagedEvent{provider: provider, eventID: eventID, at: at}
	return nil
}

func (t *memTx) GetWebSubscription(ctx context.Context, id string) (*entitlement.WebSubscription, error) {
	if sub, ok := t.web[id]; ok {
		subCopy := *sub
		return &subCopy, nil
	}
	return t.s.FindWebSubscription(ctx, id)
}

func (t *memTx) GetStoreSubscription(ctx context.Context, id string) (*entitlement.StoreSubscription, error) {
	if sub, ok := t.store[id]; ok {
		subCopy := *sub
		return &subCopy, nil
	}
	return t.s.FindStoreSubscription(ctx, id)
}

func (t *memTx) UpsertWebSubscription(_ context.Context, sub *entitlement.WebSubscription) error {
	if err := t.s.fault("UpsertWebSubscription"); err != nil {
		return err
	}
	subCopy := *sub
	t.web[sub.ProviderSubscriptionID] = &subCopy
	return nil
}

func (t *memTx) UpsertStoreSubscription(_ context.Context, sub *entitlement.StoreSubscription) error {
	if err := t.s.fault("UpsertStoreSubscription"); err != nil {
		return err
	}
	subCopy := *sub
	t.store[sub.OriginalTransactionID] = &subCopy
	return nil
}

func (t *memTx) ListWebSubscriptions(_ context.Context, userID string) ([]entitlement.WebSubscription, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.listWebLocked(userID, t.web), nil
}

func (t *memTx) ListStoreSubscriptions(_ context.Context, userID string) ([]entitlement.StoreSubscription, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.listStoreLocked(userID, t.store), nil
}

func (t *memTx) GetUserEntitlement(_ context.Context, userID string) (*entitlement.UserEntitlement, error) {
	if t.user != nil && t.user.UserID == userID {
		return copyEntitlement(t.user), nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if ent, ok := t.s.users[userID]; ok {
		return copyEntitlement(ent), nil
	}
	return &entitlement.UserEntitlement{UserID: userID}, nil
}

func (t *memTx) SetPremium(
	ctx context.Context, userID string, premium bool, expiry *time.Time, computedAt time.Time,
) error {
	if err := t.s.fault("SetPremium"); err != nil {
		return err
	}
	ent, err := t.GetUserEntitlement(ctx, userID)
	if err != nil {
		return err
	}
	ent.Premium = premium
	ent.EffectiveExpiry = expiry
	ent.ComputedAt = computedAt
	t.user = ent
	return nil
}

func (t *memTx) StampComputed(ctx context.Context, userID string, expiry *time.Time, computedAt time.Time) error {
	if err := t.s.fault("StampComputed"); err != nil {
		return err
	}
	ent, err := t.GetUserEntitlement(ctx, userID)
	if err != nil {
		return err
	}
	ent.EffectiveExpiry = expiry
	ent.ComputedAt = computedAt
	t.user = ent
	return nil
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.user != nil {
		t.s.users[t.user.UserID] = copyEntitlement(t.user)
	} else if _, ok := t.s.users[t.userID]; !ok {
		t.s.users[t.userID] = &entitlement.UserEntitlement{UserID: t.userID}
	}
	for id, sub := range t.web {
		t.s.web[id] = sub
	}
	for id, sub := range t.store {
		t.s.store[id] = sub
	}
	for _, ev := range t.events {
		t.s.markProcessedLocked(ev.provider, ev.eventID, ev.at)
	}
}
