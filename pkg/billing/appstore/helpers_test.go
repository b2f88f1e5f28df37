package appstore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gopremium/pkg/billing"
	"github.com/mihaimyh/gopremium/pkg/billing/internal"
	"github.com/mihaimyh/gopremium/pkg/entitlement"
	"github.com/mihaimyh/gopremium/storage/memory"
)

const (
	testBundleID = "com.example.app"
	testUserID   = "user_123"
	testOrigTxID = "2000000111111111"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testPKI is a root -> intermediate -> leaf chain shaped like Apple's.
type testPKI struct {
	root  *x509.Certificate
	chain []string
	key   *ecdsa.PrivateKey
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	rootKey := mustKey(t)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	root := mustCert(t, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)

	interKey := mustKey(t)
	interTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Intermediate CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	inter := mustCert(t, interTmpl, root, &interKey.PublicKey, rootKey)

	leafKey := mustKey(t)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "Test Signing Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leaf := mustCert(t, leafTmpl, inter, &leafKey.PublicKey, interKey)

	return &testPKI{
		root: root,
		chain: []string{
			base64.StdEncoding.EncodeToString(leaf.Raw),
			base64.StdEncoding.EncodeToString(inter.Raw),
			base64.StdEncoding.EncodeToString(root.Raw),
		},
		key: leafKey,
	}
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func mustCert(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func (k *testPKI) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	x5c := make([]any, len(k.chain))
	for i, c := range k.chain {
		x5c[i] = c
	}
	token.Header["x5c"] = x5c
	signed, err := token.SignedString(k.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

type txOpts struct {
	origTxID  string
	userID    string
	expires   time.Time
	revokedAt time.Time
	bundleID  string
	signedAt  time.Time
}

func (k *testPKI) transaction(t *testing.T, o txOpts) string {
	t.Helper()
	if o.origTxID == "" {
		o.origTxID = testOrigTxID
	}
	if o.bundleID == "" {
		o.bundleID = testBundleID
	}
	if o.signedAt.IsZero() {
		o.signedAt = testNow
	}
	claims := jwt.MapClaims{
		"transactionId":         o.origTxID + "9",
		"originalTransactionId": o.origTxID,
		"bundleId":              o.bundleID,
		"productId":             "premium_monthly",
		"purchaseDate":          testNow.Add(-24 * time.Hour).UnixMilli(),
		"expiresDate":           o.expires.UnixMilli(),
		"environment":           "Production",
		"type":                  "Auto-Renewable Subscription",
		"signedDate":            o.signedAt.UnixMilli(),
	}
	if o.userID != "" {
		claims["appAccountToken"] = o.userID
	}
	if !o.revokedAt.IsZero() {
		claims["revocationDate"] = o.revokedAt.UnixMilli()
	}
	return k.sign(t, claims)
}

func (k *testPKI) renewal(t *testing.T, autoRenew bool, retry bool, graceUntil time.Time) string {
	t.Helper()
	status := 0
	if autoRenew {
		status = 1
	}
	claims := jwt.MapClaims{
		"originalTransactionId":  testOrigTxID,
		"autoRenewProductId":     "premium_monthly",
		"autoRenewStatus":        status,
		"isInBillingRetryPeriod": retry,
		"signedDate":             testNow.UnixMilli(),
	}
	if !graceUntil.IsZero() {
		claims["gracePeriodExpiresDate"] = graceUntil.UnixMilli()
	}
	return k.sign(t, claims)
}

func (k *testPKI) notification(t *testing.T, uuid, notificationType, subtype string, signedDate time.Time, tx, renewal string) []byte {
	t.Helper()
	data := map[string]any{
		"bundleId":              testBundleID,
		"environment":           "Production",
		"signedTransactionInfo": tx,
	}
	if renewal != "" {
		data["signedRenewalInfo"] = renewal
	}
	claims := jwt.MapClaims{
		"notificationType": notificationType,
		"notificationUUID": uuid,
		"version":          "2.0",
		"signedDate":       signedDate.UnixMilli(),
		"data":             data,
	}
	if subtype != "" {
		claims["subtype"] = subtype
	}
	body, err := json.Marshal(map[string]string{"signedPayload": k.sign(t, claims)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func mustPrivateKeyPEM(t *testing.T, key *ecdsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

type testEnv struct {
	pki      *testPKI
	provider *Provider
	manager  *entitlement.Manager
	storage  *memory.Storage
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

	pki := newTestPKI(t)
	cfg := Config{
		Config: billing.Config{
			Manager:          manager,
			WebhookRateLimit: -1,
		},
		BundleID:         testBundleID,
		RootCertificates: []*x509.Certificate{pki.root},
		Retry:            &internal.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 2},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return &testEnv{pki: pki, provider: provider, manager: manager, storage: storage}
}

func (e *testEnv) deliver(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/apple", bytes.NewReader(body))
	e.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}
