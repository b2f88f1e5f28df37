package appstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gopremium/pkg/billing"
)

// Verifier decodes App Store signed payloads (JWS with an x5c header).
// With verification on, the x5c chain must verify to one of the roots and
// the signature must verify with the leaf certificate's key.
type Verifier struct {
	roots  *x509.CertPool
	verify bool
	now    func() time.Time
}

// NewVerifier returns a verifying Verifier. roots must not be empty.
func NewVerifier(roots []*x509.Certificate) (*Verifier, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no Apple root certificates", billing.ErrProviderNotConfigured)
	}
	pool := x509.NewCertPool()
	for _, cert := range roots {
		pool.AddCert(cert)
	}
	return &Verifier{roots: pool, verify: true, now: time.Now}, nil
}

// NewUnverifiedDecoder returns a Verifier that only decodes payloads.
func NewUnverifiedDecoder() *Verifier {
	return &Verifier{verify: false, now: time.Now}
}

// Verifies reports whether signatures are checked.
func (v *Verifier) Verifies() bool {
	return v.verify
}

// Decode verifies token (when enabled) and unmarshals its payload into claims.
func (v *Verifier) Decode(token string, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: empty signed payload", billing.ErrInvalidWebhookPayload)
	}

	if !v.verify {
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, v.keyFromChain); err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}

// keyFromChain verifies the x5c chain and returns the leaf public key.
func (v *Verifier) keyFromChain(token *jwt.Token) (any, error) {
	raw, ok := token.Header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("x5c header missing")
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for i, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("x5c[%d] is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	leaf := certs[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate key is not ECDSA")
	}
	return key, nil
}

// LoadRootCertificates reads PEM or DER certificates from the given files.
func LoadRootCertificates(paths ...string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read root certificate %s: %w", path, err)
		}
		parsed, err := parseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("parse root certificate %s: %w", path, err)
		}
		certs = append(certs, parsed...)
	}
	return certs, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}
	// Apple distributes its roots as DER (.cer)
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}
