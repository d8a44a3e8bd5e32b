package apple

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appleRootCAPEM is Apple's published root certificate (Apple Root CA - G3),
// the anchor every App Store Server API JWS chain must terminate at.
const appleRootCAPEM = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`

var (
	ErrJWSMalformed    = errors.New("jws_malformed")
	ErrJWSChainInvalid = errors.New("jws_chain_invalid")
)

// jwsVerifier verifies App Store Server JWS payloads: the token must be
// ES256-signed and carry an x5c header whose certificate chain anchors at
// the Apple root. Decoding without this verification would be a forgeable
// input path, so every claim access goes through here.
type jwsVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

func newJWSVerifier() (*jwsVerifier, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(appleRootCAPEM)) {
		return nil, errors.New("parse apple root certificate")
	}
	return &jwsVerifier{roots: pool, now: time.Now}, nil
}

// newJWSVerifierWithRoots pins a custom trust anchor, for tests.
func newJWSVerifierWithRoots(roots *x509.CertPool, now func() time.Time) *jwsVerifier {
	if now == nil {
		now = time.Now
	}
	return &jwsVerifier{roots: roots, now: now}
}

// VerifyAndDecode checks the signature chain and unmarshals the payload
// claims into out.
func (v *jwsVerifier) VerifyAndDecode(tokenString string, out jwt.Claims) error {
	_, err := jwt.ParseWithClaims(tokenString, out, v.keyfunc,
		jwt.WithValidMethods([]string{"ES256"}),
		// App Store JWS payloads carry their own date fields; the
		// registered exp claim is absent.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, ErrJWSChainInvalid) {
			return ErrJWSChainInvalid
		}
		return fmt.Errorf("%w: %v", ErrJWSMalformed, err)
	}
	return nil
}

func (v *jwsVerifier) keyfunc(token *jwt.Token) (any, error) {
	chain, err := certificateChain(token)
	if err != nil {
		return nil, err
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	leaf := chain[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, ErrJWSChainInvalid
	}

	return leaf.PublicKey, nil
}

func certificateChain(token *jwt.Token) ([]*x509.Certificate, error) {
	raw, ok := token.Header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, ErrJWSChainInvalid
	}

	chain := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		encoded, ok := entry.(string)
		if !ok {
			return nil, ErrJWSChainInvalid
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, ErrJWSChainInvalid
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, ErrJWSChainInvalid
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
