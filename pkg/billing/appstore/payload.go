package appstore

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gopremium/pkg/entitlement"
)

// notificationPayload is the decoded signedPayload of an App Store Server
// Notification (version 2).
type notificationPayload struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Version          string `json:"version"`
	SignedDate       int64  `json:"signedDate"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId"`
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
		Status                int    `json:"status"`
	} `json:"data"`
}

// transactionPayload is a decoded JWSTransaction.
type transactionPayload struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	AppAccountToken       string `json:"appAccountToken"`
	Environment           string `json:"environment"`
	Type                  string `json:"type"`
	SignedDate            int64  `json:"signedDate"`
}

// renewalPayload is a decoded JWSRenewalInfo.
type renewalPayload struct {
	jwt.RegisteredClaims
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
	SignedDate             int64  `json:"signedDate"`
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func mapEnvironment(env string) entitlement.Environment {
	if strings.EqualFold(env, "sandbox") || strings.EqualFold(env, "xcode") {
		return entitlement.EnvironmentSandbox
	}
	return entitlement.EnvironmentProduction
}

// eventKind classifies a notification. ok is false for notifications that
// carry no subscription state (TEST, CONSUMPTION_REQUEST, unknown types).
func eventKind(notificationType, subtype string) (entitlement.StoreEventKind, bool) {
	switch notificationType {
	case "SUBSCRIBED":
		return entitlement.StoreEventSubscribed, true
	case "DID_RENEW":
		return entitlement.StoreEventRenewed, true
	case "OFFER_REDEEMED", "DID_CHANGE_RENEWAL_PREF", "DID_CHANGE_RENEWAL_STATUS",
		"PRICE_INCREASE", "RENEWAL_EXTENDED":
		return entitlement.StoreEventRenewalChanged, true
	case "DID_FAIL_TO_RENEW":
		if subtype == "GRACE_PERIOD" {
			return entitlement.StoreEventRenewalFailedGrace, true
		}
		return entitlement.StoreEventRenewalFailed, true
	case "GRACE_PERIOD_EXPIRED":
		return entitlement.StoreEventGraceExpired, true
	case "EXPIRED":
		return entitlement.StoreEventExpired, true
	case "REFUND", "REVOKE":
		return entitlement.StoreEventRevoked, true
	}
	return "", false
}

// deriveStatus infers a store status from the transaction and renewal info
// alone, for notifications and restores that do not dictate one.
func deriveStatus(tx *transactionPayload, renewal *renewalPayload, now time.Time) entitlement.StoreStatus {
	if tx.RevocationDate > 0 {
		return entitlement.StoreStatusRevoked
	}
	if now.Before(fromMillis(tx.ExpiresDate)) {
		return entitlement.StoreStatusActive
	}
	if renewal != nil {
		if now.Before(fromMillis(renewal.GracePeriodExpiresDate)) {
			return entitlement.StoreStatusInGracePeriod
		}
		if renewal.IsInBillingRetryPeriod {
			return entitlement.StoreStatusInBillingRetry
		}
	}
	return entitlement.StoreStatusExpired
}

// statusFromAPI maps App Store Server API subscription status codes.
func statusFromAPI(code int) (entitlement.StoreStatus, bool) {
	switch code {
	case 1:
		return entitlement.StoreStatusActive, true
	case 2:
		return entitlement.StoreStatusExpired, true
	case 3:
		return entitlement.StoreStatusInBillingRetry, true
	case 4:
		return entitlement.StoreStatusInGracePeriod, true
	case 5:
		return entitlement.StoreStatusRevoked, true
	}
	return "", false
}

// storeSubscription builds the record for a decoded transaction.
func storeSubscription(
	tx *transactionPayload, renewal *renewalPayload, status entitlement.StoreStatus, assertedAt time.Time,
) entitlement.StoreSubscription {
	sub := entitlement.StoreSubscription{
		UserID:                tx.AppAccountToken,
		OriginalTransactionID: tx.OriginalTransactionID,
		ProductID:             tx.ProductID,
		Status:                status,
		PurchaseDate:          fromMillis(tx.PurchaseDate),
		ExpiresDate:           fromMillis(tx.ExpiresDate),
		Environment:           mapEnvironment(tx.Environment),
		AppAccountToken:       tx.AppAccountToken,
		AssertedAt:            assertedAt,
	}
	if renewal != nil {
		sub.AutoRenew = renewal.AutoRenewStatus == 1
	}
	if sub.OriginalTransactionID == "" {
		sub.OriginalTransactionID = tx.TransactionID
	}
	return sub
}
