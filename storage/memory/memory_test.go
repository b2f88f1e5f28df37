package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStorage_RecordEvent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	processed, err := storage.RecordEvent(ctx, entitlement.ProviderStripe, "evt_1", testNow)
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if processed {
		t.Error("new event should not be processed")
	}

	processed, err = storage.RecordEvent(ctx, entitlement.ProviderStripe, "evt_1", testNow.Add(time.Second))
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if processed {
		t.Error("received but unprocessed event should not report processed")
	}
	if storage.EventCount() != 1 {
		t.Errorf("EventCount = %d, want 1", storage.EventCount())
	}

	if err := storage.MarkEventProcessed(ctx, entitlement.ProviderStripe, "evt_1", testNow); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	processed, _ = storage.RecordEvent(ctx, entitlement.ProviderStripe, "evt_1", testNow)
	if !processed {
		t.Error("expected processed after mark")
	}

	// same id under another provider is a different event
	processed, _ = storage.RecordEvent(ctx, entitlement.ProviderAppStore, "evt_1", testNow)
	if processed {
		t.Error("event ids are scoped per provider")
	}
}

func TestStorage_WithUserLock_CommitsOnSuccess(t *testing.T) {
	storage := New()
	ctx := context.Background()

	err := storage.WithUserLock(ctx, "user1", func(tx entitlement.Tx) error {
		if err := tx.UpsertWebSubscription(ctx, &entitlement.WebSubscription{
			ID: "id1", UserID: "user1", ProviderSubscriptionID: "sub_1", Status: entitlement.WebStatusActive,
		}); err != nil {
			return err
		}

		// staged writes are visible inside the transaction
		subs, err := tx.ListWebSubscriptions(ctx, "user1")
		if err != nil {
			return err
		}
		if len(subs) != 1 {
			t.Errorf("staged list length = %d, want 1", len(subs))
		}
		if err := tx.SetPremium(ctx, "user1", true, nil, testNow); err != nil {
			return err
		}
		return tx.MarkEventProcessed(ctx, entitlement.ProviderStripe, "evt_1", testNow)
	})
	if err != nil {
		t.Fatalf("WithUserLock failed: %v", err)
	}

	ent, err := storage.GetUserEntitlement(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserEntitlement failed: %v", err)
	}
	if !ent.Premium {
		t.Error("expected premium after commit")
	}
	if _, err := storage.FindWebSubscription(ctx, "sub_1"); err != nil {
		t.Errorf("FindWebSubscription failed: %v", err)
	}
	ev, ok := storage.Event(entitlement.ProviderStripe, "evt_1")
	if !ok || ev.ProcessedAt == nil {
		t.Error("expected event marked processed")
	}
}

func TestStorage_WithUserLock_RollsBackOnError(t *testing.T) {
	storage := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := storage.WithUserLock(ctx, "user1", func(tx entitlement.Tx) error {
		_ = tx.UpsertStoreSubscription(ctx, &entitlement.StoreSubscription{
			ID: "id1", UserID: "user1", OriginalTransactionID: "otx_1", Status: entitlement.StoreStatusActive,
		})
		_ = tx.SetPremium(ctx, "user1", true, nil, testNow)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := storage.GetUserEntitlement(ctx, "user1"); !errors.Is(err, entitlement.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound after rollback, got %v", err)
	}
	if _, err := storage.FindStoreSubscription(ctx, "otx_1"); !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		t.Errorf("expected ErrSubscriptionNotFound after rollback, got %v", err)
	}
}

func TestStorage_WithUserLock_CreatesUserRow(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.WithUserLock(ctx, "user1", func(entitlement.Tx) error { return nil }); err != nil {
		t.Fatalf("WithUserLock failed: %v", err)
	}
	ent, err := storage.GetUserEntitlement(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserEntitlement failed: %v", err)
	}
	if ent.Premium {
		t.Error("new user row must not be premium")
	}
}

func TestStorage_WithUserLock_SerializesPerUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = storage.WithUserLock(ctx, "user1", func(entitlement.Tx) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestStorage_FailOn(t *testing.T) {
	storage := New()
	ctx := context.Background()
	boom := errors.New("db down")

	storage.FailOn("UpsertWebSubscription", boom)
	err := storage.WithUserLock(ctx, "user1", func(tx entitlement.Tx) error {
		return tx.UpsertWebSubscription(ctx, &entitlement.WebSubscription{ProviderSubscriptionID: "sub_1"})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	storage.FailOn("UpsertWebSubscription", nil)
	err = storage.WithUserLock(ctx, "user1", func(tx entitlement.Tx) error {
		return tx.UpsertWebSubscription(ctx, &entitlement.WebSubscription{ProviderSubscriptionID: "sub_1"})
	})
	if err != nil {
		t.Fatalf("expected success after clearing fault, got %v", err)
	}
}

func TestStorage_PruneEvents(t *testing.T) {
	storage := New()
	ctx := context.Background()

	old := testNow.Add(-40 * 24 * time.Hour)
	_, _ = storage.RecordEvent(ctx, entitlement.ProviderStripe, "old_processed", old)
	_ = storage.MarkEventProcessed(ctx, entitlement.ProviderStripe, "old_processed", old)
	_, _ = storage.RecordEvent(ctx, entitlement.ProviderStripe, "old_pending", old)
	_, _ = storage.RecordEvent(ctx, entitlement.ProviderStripe, "recent", testNow)
	_ = storage.MarkEventProcessed(ctx, entitlement.ProviderStripe, "recent", testNow)

	n, err := storage.PruneEvents(ctx, testNow.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneEvents failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, ok := storage.Event(entitlement.ProviderStripe, "old_pending"); !ok {
		t.Error("unprocessed events must be retained")
	}
	if _, ok := storage.Event(entitlement.ProviderStripe, "recent"); !ok {
		t.Error("recent events must be retained")
	}
}

func TestStorage_ListIsolatedPerUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for _, u := range []string{"user1", "user2"} {
		userID := u
		err := storage.WithUserLock(ctx, userID, func(tx entitlement.Tx) error {
			return tx.UpsertStoreSubscription(ctx, &entitlement.StoreSubscription{
				UserID: userID, OriginalTransactionID: "otx_" + userID, Status: entitlement.StoreStatusActive,
			})
		})
		if err != nil {
			t.Fatalf("WithUserLock failed: %v", err)
		}
	}

	subs, err := storage.ListStoreSubscriptions(ctx, "user1")
	if err != nil {
		t.Fatalf("ListStoreSubscriptions failed: %v", err)
	}
	if len(subs) != 1 || subs[0].OriginalTransactionID != "otx_user1" {
		t.Errorf("unexpected subscriptions for user1: %+v", subs)
	}
}
