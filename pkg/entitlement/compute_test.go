package entitlement

import (
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

func TestCompute_Scenarios(t *testing.T) {
	tests := []struct {
		name        string
		web         []WebSubscription
		store       []StoreSubscription
		wantPremium bool
		wantExpiry  *time.Time
	}{
		{
			name: "active with cancel at period end is premium",
			web: []WebSubscription{{
				Status: WebStatusActive, CurrentPeriodEnd: now.Add(30 * day), CancelAtPeriodEnd: true,
			}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(30 * day)),
		},
		{
			name:        "canceled after period end is not premium",
			web:         []WebSubscription{{Status: WebStatusCanceled, CurrentPeriodEnd: now.Add(-day)}},
			wantPremium: false,
		},
		{
			name:        "canceled inside paid period is premium",
			web:         []WebSubscription{{Status: WebStatusCanceled, CurrentPeriodEnd: now.Add(day)}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(day)),
		},
		{
			name:        "grace period with stale expiry is premium",
			store:       []StoreSubscription{{Status: StoreStatusInGracePeriod, ExpiresDate: now.Add(-2 * day)}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(-2 * day)),
		},
		{
			name:        "billing retry with stale expiry is premium",
			store:       []StoreSubscription{{Status: StoreStatusInBillingRetry, ExpiresDate: now.Add(-5 * day)}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(-5 * day)),
		},
		{
			name:        "expired web with active store is premium",
			web:         []WebSubscription{{Status: WebStatusActive, CurrentPeriodEnd: now.Add(-day)}},
			store:       []StoreSubscription{{Status: StoreStatusActive, ExpiresDate: now.Add(10 * day)}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(10 * day)),
		},
		{
			name:        "trialing inside period is premium",
			web:         []WebSubscription{{Status: WebStatusTrialing, CurrentPeriodEnd: now.Add(7 * day)}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(7 * day)),
		},
		{
			name: "past due unpaid and incomplete never count",
			web: []WebSubscription{
				{Status: WebStatusPastDue, CurrentPeriodEnd: now.Add(day)},
				{Status: WebStatusUnpaid, CurrentPeriodEnd: now.Add(day)},
				{Status: WebStatusIncomplete, CurrentPeriodEnd: now.Add(day)},
			},
			wantPremium: false,
		},
		{
			name: "expired and revoked store records never count",
			store: []StoreSubscription{
				{Status: StoreStatusExpired, ExpiresDate: now.Add(day)},
				{Status: StoreStatusRevoked, ExpiresDate: now.Add(day)},
			},
			wantPremium: false,
		},
		{
			name:        "active store at exact expiry is not premium",
			store:       []StoreSubscription{{Status: StoreStatusActive, ExpiresDate: now}},
			wantPremium: false,
		},
		{
			name: "effective expiry is max among counting records",
			web: []WebSubscription{
				{Status: WebStatusActive, CurrentPeriodEnd: now.Add(3 * day)},
				{Status: WebStatusPastDue, CurrentPeriodEnd: now.Add(90 * day)},
			},
			store:       []StoreSubscription{{Status: StoreStatusActive, ExpiresDate: now.Add(20 * day)}},
			wantPremium: true,
			wantExpiry:  ptr(now.Add(20 * day)),
		},
		{
			name:        "no records",
			wantPremium: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.web, tt.store, now)
			if got.IsPremium != tt.wantPremium {
				t.Errorf("IsPremium = %v, want %v", got.IsPremium, tt.wantPremium)
			}
			switch {
			case tt.wantExpiry == nil && got.EffectiveExpiry != nil:
				t.Errorf("EffectiveExpiry = %v, want nil", *got.EffectiveExpiry)
			case tt.wantExpiry != nil && got.EffectiveExpiry == nil:
				t.Errorf("EffectiveExpiry = nil, want %v", *tt.wantExpiry)
			case tt.wantExpiry != nil && !got.EffectiveExpiry.Equal(*tt.wantExpiry):
				t.Errorf("EffectiveExpiry = %v, want %v", *got.EffectiveExpiry, *tt.wantExpiry)
			}
		})
	}
}

func TestCompute_CrossProviderOR(t *testing.T) {
	counting := StoreSubscription{Status: StoreStatusActive, ExpiresDate: now.Add(day)}
	webStates := []WebSubscription{
		{Status: WebStatusIncomplete},
		{Status: WebStatusActive, CurrentPeriodEnd: now.Add(-day)},
		{Status: WebStatusPastDue, CurrentPeriodEnd: now.Add(day)},
		{Status: WebStatusCanceled, CurrentPeriodEnd: now.Add(-day)},
		{Status: WebStatusUnpaid},
	}

	for _, w := range webStates {
		res := Compute([]WebSubscription{w}, []StoreSubscription{counting}, now)
		if !res.IsPremium {
			t.Errorf("store record should be sufficient regardless of web status %s", w.Status)
		}
	}
}

func TestCompute_NoFlappingWithinWindow(t *testing.T) {
	web := []WebSubscription{{
		Status:             WebStatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.Add(30 * day),
		CancelAtPeriodEnd:  true,
	}}

	seenPremium := false
	for ts := now; ts.Before(now.Add(30 * day)); ts = ts.Add(6 * time.Hour) {
		premium := Compute(web, nil, ts).IsPremium
		if seenPremium && !premium {
			t.Fatalf("premium dropped at %v inside the paid window", ts)
		}
		seenPremium = seenPremium || premium
	}
	if !seenPremium {
		t.Fatal("expected premium inside window")
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
