package appstore

import (
	"testing"
	"time"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

func TestEventKind(t *testing.T) {
	tests := []struct {
		notificationType string
		subtype          string
		want             entitlement.StoreEventKind
		ok               bool
	}{
		{"SUBSCRIBED", "INITIAL_BUY", entitlement.StoreEventSubscribed, true},
		{"DID_RENEW", "", entitlement.StoreEventRenewed, true},
		{"DID_FAIL_TO_RENEW", "", entitlement.StoreEventRenewalFailed, true},
		{"DID_FAIL_TO_RENEW", "GRACE_PERIOD", entitlement.StoreEventRenewalFailedGrace, true},
		{"GRACE_PERIOD_EXPIRED", "", entitlement.StoreEventGraceExpired, true},
		{"EXPIRED", "VOLUNTARY", entitlement.StoreEventExpired, true},
		{"REFUND", "", entitlement.StoreEventRevoked, true},
		{"REVOKE", "", entitlement.StoreEventRevoked, true},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", entitlement.StoreEventRenewalChanged, true},
		{"TEST", "", "", false},
		{"CONSUMPTION_REQUEST", "", "", false},
	}
	for _, tt := range tests {
		got, ok := eventKind(tt.notificationType, tt.subtype)
		if got != tt.want || ok != tt.ok {
			t.Errorf("eventKind(%s, %s) = %q, %v; want %q, %v", tt.notificationType, tt.subtype, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	future := testNow.Add(time.Hour).UnixMilli()
	past := testNow.Add(-time.Hour).UnixMilli()

	tests := []struct {
		name    string
		tx      transactionPayload
		renewal *renewalPayload
		want    entitlement.StoreStatus
	}{
		{"active", transactionPayload{ExpiresDate: future}, nil, entitlement.StoreStatusActive},
		{"expired", transactionPayload{ExpiresDate: past}, nil, entitlement.StoreStatusExpired},
		{"revoked wins", transactionPayload{ExpiresDate: future, RevocationDate: past}, nil, entitlement.StoreStatusRevoked},
		{"grace", transactionPayload{ExpiresDate: past}, &renewalPayload{GracePeriodExpiresDate: future}, entitlement.StoreStatusInGracePeriod},
		{"billing retry", transactionPayload{ExpiresDate: past}, &renewalPayload{IsInBillingRetryPeriod: true}, entitlement.StoreStatusInBillingRetry},
		{"grace over", transactionPayload{ExpiresDate: past}, &renewalPayload{GracePeriodExpiresDate: past}, entitlement.StoreStatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deriveStatus(&tt.tx, tt.renewal, testNow); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStatusFromAPI(t *testing.T) {
	want := map[int]entitlement.StoreStatus{
		1: entitlement.StoreStatusActive,
		2: entitlement.StoreStatusExpired,
		3: entitlement.StoreStatusInBillingRetry,
		4: entitlement.StoreStatusInGracePeriod,
		5: entitlement.StoreStatusRevoked,
	}
	for code, status := range want {
		got, ok := statusFromAPI(code)
		if !ok || got != status {
			t.Errorf("statusFromAPI(%d) = %s, %v", code, got, ok)
		}
	}
	if _, ok := statusFromAPI(9); ok {
		t.Error("expected unknown code to be rejected")
	}
}

func TestStoreSubscription(t *testing.T) {
	tx := &transactionPayload{
		TransactionID:   "42",
		ProductID:       "premium_yearly",
		PurchaseDate:    testNow.Add(-time.Hour).UnixMilli(),
		ExpiresDate:     testNow.Add(time.Hour).UnixMilli(),
		AppAccountToken: testUserID,
		Environment:     "Sandbox",
	}
	sub := storeSubscription(tx, &renewalPayload{AutoRenewStatus: 1}, entitlement.StoreStatusActive, testNow)

	if sub.OriginalTransactionID != "42" {
		t.Errorf("expected transaction id fallback, got %q", sub.OriginalTransactionID)
	}
	if sub.UserID != testUserID || sub.AppAccountToken != testUserID {
		t.Errorf("expected user from account token, got %q", sub.UserID)
	}
	if sub.Environment != entitlement.EnvironmentSandbox {
		t.Errorf("expected sandbox, got %s", sub.Environment)
	}
	if !sub.AutoRenew {
		t.Error("expected auto renew")
	}
	if !sub.ExpiresDate.Equal(testNow.Add(time.Hour)) {
		t.Errorf("unexpected expiry %v", sub.ExpiresDate)
	}
}
