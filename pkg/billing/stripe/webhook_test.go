package stripe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

func TestWebhook_SubscriptionUpdated_GrantsPremium(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj := subscriptionObject(subOpts{status: "active", userID: testUserID, start: testNow.Add(-time.Hour), end: testNow.Add(30 * 24 * time.Hour)})
	rec := env.deliver(t, eventPayload(t, "evt_1", "customer.subscription.updated", testNow, obj))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	premium, err := env.manager.IsPremium(ctx, testUserID)
	if err != nil {
		t.Fatalf("IsPremium: %v", err)
	}
	if !premium {
		t.Fatal("expected premium after active subscription")
	}

	sub, err := env.manager.FindWebSubscription(ctx, testSubID)
	if err != nil {
		t.Fatalf("FindWebSubscription: %v", err)
	}
	if sub.ProviderCustomerID != testCustomerID {
		t.Errorf("customer = %q, want %q", sub.ProviderCustomerID, testCustomerID)
	}
	if !sub.AssertedAt.Equal(testNow) {
		t.Errorf("AssertedAt = %v, want event created time %v", sub.AssertedAt, testNow)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t)

	payload := eventPayload(t, "evt_1", "customer.subscription.updated", testNow,
		subscriptionObject(subOpts{status: "active", userID: testUserID, end: testNow.Add(time.Hour)}))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if env.storage.EventCount() != 0 {
		t.Fatalf("rejected webhook must not touch the ledger, got %d entries", env.storage.EventCount())
	}
}

func TestWebhook_DuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	obj := subscriptionObject(subOpts{status: "active", userID: testUserID, end: testNow.Add(24 * time.Hour)})
	payload := eventPayload(t, "evt_dup", "customer.subscription.updated", testNow, obj)

	for i := 0; i < 2; i++ {
		if rec := env.deliver(t, payload); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i+1, rec.Code)
		}
	}

	if env.storage.EventCount() != 1 {
		t.Errorf("ledger entries = %d, want 1", env.storage.EventCount())
	}
	status, err := env.manager.Status(ctx, testUserID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.Web) != 1 || !status.Premium {
		t.Errorf("status = %+v, want one premium web subscription", status)
	}
}

func TestWebhook_SubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	end := testNow.Add(10 * 24 * time.Hour)
	env.deliver(t, eventPayload(t, "evt_1", "customer.subscription.created", testNow.Add(-time.Hour),
		subscriptionObject(subOpts{status: "active", userID: testUserID, end: end})))

	// Stripe sends the final object; its status may still read active
	rec := env.deliver(t, eventPayload(t, "evt_2", "customer.subscription.deleted", testNow,
		subscriptionObject(subOpts{status: "active", userID: testUserID, end: end})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	sub, err := env.manager.FindWebSubscription(ctx, testSubID)
	if err != nil {
		t.Fatalf("FindWebSubscription: %v", err)
	}
	if sub.Status != entitlement.WebStatusCanceled {
		t.Errorf("status = %s, want canceled", sub.Status)
	}
	// canceled subscriptions keep access until period end
	premium, _ := env.manager.IsPremium(ctx, testUserID)
	if !premium {
		t.Error("canceled subscription should count until period end")
	}
}

func TestWebhook_UnknownEventTypeIgnored(t *testing.T) {
	env := newTestEnv(t)

	rec := env.deliver(t, eventPayload(t, "evt_x", "customer.created", testNow, map[string]any{"id": "cus_1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("body = %s, want ignored", rec.Body.String())
	}
	ev, ok := env.storage.Event(entitlement.ProviderStripe, "evt_x")
	if !ok || ev.ProcessedAt == nil {
		t.Fatal("ignored event must be recorded as processed")
	}
}

func TestWebhook_UnknownSubscriptionStatusIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, eventPayload(t, "evt_1", "customer.subscription.created", testNow.Add(-time.Hour),
		subscriptionObject(subOpts{status: "active", userID: testUserID, end: testNow.Add(30 * 24 * time.Hour)})))

	rec := env.deliver(t, eventPayload(t, "evt_2", "customer.subscription.updated", testNow,
		subscriptionObject(subOpts{status: "some_future_status", userID: testUserID, end: testNow.Add(30 * 24 * time.Hour)})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so Stripe stops redelivering", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("body = %s, want ignored", rec.Body.String())
	}
	ev, ok := env.storage.Event(entitlement.ProviderStripe, "evt_2")
	if !ok || ev.ProcessedAt == nil {
		t.Fatal("event with an unknown status must be recorded as processed")
	}

	premium, _ := env.manager.IsPremium(context.Background(), testUserID)
	if !premium {
		t.Error("an unknown status must leave the stored subscription alone")
	}
}

func TestWebhook_UserFromCustomerMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.api.addCustomer(testCustomerID, testUserID)

	rec := env.deliver(t, eventPayload(t, "evt_1", "customer.subscription.created", testNow,
		subscriptionObject(subOpts{status: "trialing", end: testNow.Add(7 * 24 * time.Hour)})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	premium, _ := env.manager.IsPremium(context.Background(), testUserID)
	if !premium {
		t.Fatal("trialing subscription resolved through customer metadata should be premium")
	}
}

func TestWebhook_UserFromStoredSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.deliver(t, eventPayload(t, "evt_1", "customer.subscription.created", testNow.Add(-time.Minute),
		subscriptionObject(subOpts{status: "active", userID: testUserID, end: testNow.Add(time.Hour)})))

	rec := env.deliver(t, eventPayload(t, "evt_2", "customer.subscription.updated", testNow,
		subscriptionObject(subOpts{status: "past_due", end: testNow.Add(time.Hour)})))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := env.api.callCount("GetCustomer"); n != 0 {
		t.Errorf("GetCustomer calls = %d, stored owner should resolve first", n)
	}

	sub, _ := env.manager.FindWebSubscription(ctx, testSubID)
	if sub.Status != entitlement.WebStatusPastDue {
		t.Errorf("status = %s, want past_due", sub.Status)
	}
}

func TestWebhook_UnattributableIsRetried(t *testing.T) {
	env := newTestEnv(t)

	rec := env.deliver(t, eventPayload(t, "evt_1", "customer.subscription.created", testNow,
		subscriptionObject(subOpts{status: "active", customer: "cus_unknown", end: testNow.Add(time.Hour)})))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so Stripe redelivers", rec.Code)
	}
}

func TestWebhook_InvoiceRereadsSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.api.addSubscription(t, testCustomerID, mustSubscription(t, subOpts{
		status: "active", userID: testUserID, start: testNow, end: testNow.Add(30 * 24 * time.Hour),
	}))

	invoice := map[string]any{"id": "in_1", "object": "invoice", "subscription": testSubID}
	rec := env.deliver(t, eventPayload(t, "evt_inv", "invoice.paid", testNow, invoice))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if env.api.callCount("GetSubscription") != 1 {
		t.Errorf("GetSubscription calls = %d, want 1", env.api.callCount("GetSubscription"))
	}

	premium, _ := env.manager.IsPremium(context.Background(), testUserID)
	if !premium {
		t.Fatal("expected premium after invoice.paid")
	}
}

func TestWebhook_InvoiceParentSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.api.addSubscription(t, testCustomerID, mustSubscription(t, subOpts{
		status: "past_due", userID: testUserID, end: testNow.Add(time.Hour),
	}))

	invoice := map[string]any{
		"id":     "in_1",
		"object": "invoice",
		"parent": map[string]any{"subscription_details": map[string]any{"subscription": testSubID}},
	}
	rec := env.deliver(t, eventPayload(t, "evt_inv", "invoice.payment_failed", testNow, invoice))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	sub, err := env.manager.FindWebSubscription(context.Background(), testSubID)
	if err != nil || sub.Status != entitlement.WebStatusPastDue {
		t.Fatalf("sub = %+v, err = %v", sub, err)
	}
}

func TestWebhook_InvoiceAPIFailureLeavesEventUnprocessed(t *testing.T) {
	env := newTestEnv(t)
	env.api.err = errors.New("stripe unavailable")

	invoice := map[string]any{"id": "in_1", "object": "invoice", "subscription": testSubID}
	rec := env.deliver(t, eventPayload(t, "evt_inv", "invoice.paid", testNow, invoice))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ev, ok := env.storage.Event(entitlement.ProviderStripe, "evt_inv"); ok && ev.ProcessedAt != nil {
		t.Fatal("failed event must stay unprocessed")
	}
}

func TestWebhook_CheckoutSessionCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.api.addSubscription(t, testCustomerID, mustSubscription(t, subOpts{
		status: "active", end: testNow.Add(30 * 24 * time.Hour),
	}))

	session := map[string]any{
		"id":           "cs_1",
		"object":       "checkout.session",
		"mode":         "subscription",
		"subscription": testSubID,
		"metadata":     map[string]string{metadataUserID: testUserID},
	}
	rec := env.deliver(t, eventPayload(t, "evt_cs", "checkout.session.completed", testNow, session))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	premium, _ := env.manager.IsPremium(context.Background(), testUserID)
	if !premium {
		t.Fatal("expected premium after checkout")
	}
}

func TestWebhook_CheckoutWithoutSubscriptionIgnored(t *testing.T) {
	env := newTestEnv(t)

	session := map[string]any{"id": "cs_1", "object": "checkout.session", "mode": "payment"}
	rec := env.deliver(t, eventPayload(t, "evt_cs", "checkout.session.completed", testNow, session))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.api.callCount("GetSubscription") != 0 {
		t.Error("payment checkouts must not hit the API")
	}
}

func TestWebhook_UndecodableSubscription(t *testing.T) {
	env := newTestEnv(t)

	rec := env.deliver(t, eventPayload(t, "evt_bad", "customer.subscription.updated", testNow,
		map[string]any{"object": "subscription"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhook_RequestValidation(t *testing.T) {
	env := newTestEnv(t)
	handler := env.provider.WebhookHandler()

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rec.Code)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("payload too large", func(t *testing.T) {
		body := bytes.Repeat([]byte("a"), billing.DefaultWebhookBodyLimit+1)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body)))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})
}

func TestWebhook_Callback(t *testing.T) {
	var events []billing.WebhookEvent
	env := newTestEnv(t, func(c *Config) {
		c.WebhookCallback = func(_ context.Context, ev billing.WebhookEvent) error {
			events = append(events, ev)
			return errors.New("callback errors never fail the webhook")
		}
	})

	payload := eventPayload(t, "evt_1", "customer.subscription.created", testNow,
		subscriptionObject(subOpts{status: "active", userID: testUserID, end: testNow.Add(time.Hour)}))
	if rec := env.deliver(t, payload); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	env.deliver(t, payload)

	if len(events) != 1 {
		t.Fatalf("callback calls = %d, want 1 (duplicates are skipped)", len(events))
	}
	ev := events[0]
	if ev.UserID != testUserID || !ev.Premium || !ev.Changed || ev.EventID != "evt_1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebhook_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.WebhookRateLimit = 1 })
	payload := eventPayload(t, "evt_x", "customer.created", testNow, map[string]any{"id": "cus_1"})

	env.deliver(t, payload)
	if rec := env.deliver(t, payload); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}
