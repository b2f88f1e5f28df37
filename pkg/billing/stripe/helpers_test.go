package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
	"github.com/mihaimyh/gopremium/storage/memory"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "user_123"
	testCustomerID    = "cus_test"
	testSubID         = "sub_test"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeAPI is an in-memory Stripe API.
type fakeAPI struct {
	mu         sync.Mutex
	subs       map[string]*stripe.Subscription
	customers  map[string]*stripe.Customer
	byCustomer map[string][]string
	err        error
	block      bool
	calls      map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		subs:       make(map[string]*stripe.Subscription),
		customers:  make(map[string]*stripe.Customer),
		byCustomer: make(map[string][]string),
		calls:      make(map[string]int),
	}
}

func (f *fakeAPI) addSubscription(t *testing.T, customerID string, sub *stripe.Subscription) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.ID] = sub
	f.byCustomer[customerID] = append(f.byCustomer[customerID], sub.ID)
}

func (f *fakeAPI) addCustomer(id, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers[id] = &stripe.Customer{ID: id, Metadata: map[string]string{metadataUserID: userID}}
}

func (f *fakeAPI) record(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls[name]++
	block, err := f.block, f.err
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeAPI) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if err := f.record(ctx, "GetSubscription"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", internal.ErrPermanent, id)
	}
	return sub, nil
}

func (f *fakeAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	if err := f.record(ctx, "ListSubscriptions"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stripe.Subscription
	for _, id := range f.byCustomer[customerID] {
		out = append(out, f.subs[id])
	}
	return out, nil
}

func (f *fakeAPI) GetCustomer(ctx context.Context, customerID string) (*stripe.Customer, error) {
	if err := f.record(ctx, "GetCustomer"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cust, ok := f.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("%w: %w", internal.ErrPermanent, billing.ErrCustomerNotFound)
	}
	return cust, nil
}

func (f *fakeAPI) FindCustomerIDs(ctx context.Context, userID string) ([]string, error) {
	if err := f.record(ctx, "FindCustomerIDs"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, cust := range f.customers {
		if cust.Metadata[metadataUserID] == userID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type subOpts struct {
	id       string
	customer string
	status   string
	userID   string
	start    time.Time
	end      time.Time
}

// subscriptionObject renders a Stripe subscription object. Period bounds
// are written both at the top level and on the first item.
func subscriptionObject(o subOpts) map[string]any {
	if o.id == "" {
		o.id = testSubID
	}
	if o.customer == "" {
		o.customer = testCustomerID
	}
	metadata := map[string]string{}
	if o.userID != "" {
		metadata[metadataUserID] = o.userID
	}
	return map[string]any{
		"id":                   o.id,
		"object":               "subscription",
		"customer":             o.customer,
		"status":               o.status,
		"cancel_at_period_end": false,
		"current_period_start": o.start.Unix(),
		"current_period_end":   o.end.Unix(),
		"metadata":             metadata,
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id":                   "si_" + o.id,
				"object":               "subscription_item",
				"current_period_start": o.start.Unix(),
				"current_period_end":   o.end.Unix(),
			}},
		},
	}
}

func mustSubscription(t *testing.T, o subOpts) *stripe.Subscription {
	t.Helper()
	raw, err := json.Marshal(subscriptionObject(o))
	if err != nil {
		t.Fatalf("marshal subscription: %v", err)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		t.Fatalf("unmarshal subscription: %v", err)
	}
	return &sub
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     created.Unix(),
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

type testEnv struct {
	provider *Provider
	manager  *entitlement.Manager
	storage  *memory.Storage
	api      *fakeAPI
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	storage := memory.New()
	manager, err := entitlement.NewManager(storage, entitlement.Config{
		Now: func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	api := newFakeAPI()
	cfg := Config{
		Config: billing.Config{
			Manager:          manager,
			WebhookRateLimit: -1,
		},
		StripeWebhookSecret: testWebhookSecret,
		API:                 api,
		Retry:               &internal.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 2},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return &testEnv{provider: provider, manager: manager, storage: storage, api: api}
}

func (e *testEnv) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.provider.WebhookHandler().ServeHTTP(rec, signedRequest(t, payload))
	return rec
}
