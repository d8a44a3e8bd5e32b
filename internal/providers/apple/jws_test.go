package apple

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/providers/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// certFixture is a throwaway CA with one leaf, standing in for Apple's
// chain.
type certFixture struct {
	pool    *x509.CertPool
	leafKey *ecdsa.PrivateKey
	chain   [][]byte
}

func newCertFixture(t *testing.T) *certFixture {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             testNow.AddDate(-1, 0, 0),
		NotAfter:              testNow.AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Signing Leaf"},
		NotBefore:    testNow.AddDate(-1, 0, 0),
		NotAfter:     testNow.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, rootTemplate, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &certFixture{
		pool:    pool,
		leafKey: leafKey,
		chain:   [][]byte{leafDER, rootDER},
	}
}

func (f *certFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	x5c := make([]string, len(f.chain))
	for i, der := range f.chain {
		x5c[i] = base64.StdEncoding.EncodeToString(der)
	}
	token.Header["x5c"] = x5c
	signed, err := token.SignedString(f.leafKey)
	require.NoError(t, err)
	return signed
}

func (f *certFixture) notification(t *testing.T, notificationType string, data map[string]any) []byte {
	t.Helper()
	payload := f.sign(t, jwt.MapClaims{
		"notificationType": notificationType,
		"notificationUUID": "uuid-" + notificationType,
		"signedDate":       testNow.UnixMilli(),
		"data":             data,
	})
	envelope, err := json.Marshal(map[string]string{"signedPayload": payload})
	require.NoError(t, err)
	return envelope
}

func (f *certFixture) transaction(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"originalTransactionId": "orig-1000",
		"transactionId":         "txn-1001",
		"productId":             "com.serenity.premium.monthly",
		"purchaseDate":          testNow.UnixMilli(),
		"expiresDate":           testNow.AddDate(0, 1, 0).UnixMilli(),
		"price":                 int64(1299),
		"currency":              "usd",
	}
	for k, v := range overrides {
		claims[k] = v
	}
	return f.sign(t, claims)
}

func newTestAdapter(f *certFixture) *Adapter {
	return NewAdapterWithRoots("com.serenity.app", f.pool,
		clock.NewFixed(testNow), zap.NewNop())
}

func TestVerifierAcceptsAnchoredChain(t *testing.T) {
	f := newCertFixture(t)
	verifier := newJWSVerifierWithRoots(f.pool, func() time.Time { return testNow })

	var claims transactionClaims
	err := verifier.VerifyAndDecode(f.transaction(t, nil), &claims)
	require.NoError(t, err)
	require.Equal(t, "orig-1000", claims.OriginalTransactionID)
	require.Equal(t, "txn-1001", claims.TransactionID)
}

func TestVerifierRejectsForeignRoot(t *testing.T) {
	signer := newCertFixture(t)
	other := newCertFixture(t)
	verifier := newJWSVerifierWithRoots(other.pool, func() time.Time { return testNow })

	var claims transactionClaims
	err := verifier.VerifyAndDecode(signer.transaction(t, nil), &claims)
	require.ErrorIs(t, err, ErrJWSChainInvalid)
}

func TestVerifierRejectsMissingChain(t *testing.T) {
	f := newCertFixture(t)
	verifier := newJWSVerifierWithRoots(f.pool, func() time.Time { return testNow })

	// Signed with the leaf key but no x5c header to verify against.
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{"transactionId": "txn-1"})
	signed, err := token.SignedString(f.leafKey)
	require.NoError(t, err)

	var claims transactionClaims
	require.ErrorIs(t, verifier.VerifyAndDecode(signed, &claims), ErrJWSChainInvalid)
}

func TestVerifierRejectsGarbage(t *testing.T) {
	f := newCertFixture(t)
	verifier := newJWSVerifierWithRoots(f.pool, func() time.Time { return testNow })

	var claims transactionClaims
	require.ErrorIs(t, verifier.VerifyAndDecode("not.a.jws", &claims), ErrJWSMalformed)
}

func TestParseSubscribedNotification(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.notification(t, notificationSubscribed, map[string]any{
		"bundleId":              "com.serenity.app",
		"environment":           "Production",
		"signedTransactionInfo": f.transaction(t, nil),
	})

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, domain.ProviderApple, event.Provider)
	require.Equal(t, domain.EventPurchased, event.Type)
	require.Equal(t, "orig-1000", event.LineageKey)
	require.Equal(t, "txn-1001", event.ProviderPaymentID)
	require.Equal(t, "com.serenity.premium.monthly", event.ProductID)
	require.EqualValues(t, 1299, event.Amount)
	require.Equal(t, "USD", event.Currency)
	require.False(t, event.IsTrial)
	require.NotNil(t, event.ExpiresAt)
	require.Equal(t, testNow.AddDate(0, 1, 0), *event.ExpiresAt)
}

func TestParseIntroductoryOfferIsTrial(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.notification(t, notificationSubscribed, map[string]any{
		"bundleId":              "com.serenity.app",
		"signedTransactionInfo": f.transaction(t, jwt.MapClaims{"offerType": offerTypeIntroductory}),
	})

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, event.IsTrial)
}

func TestParseRenewalStatusChange(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.notification(t, notificationRenewalStatus, map[string]any{
		"bundleId":              "com.serenity.app",
		"signedTransactionInfo": f.transaction(t, nil),
		"signedRenewalInfo":     f.sign(t, jwt.MapClaims{"autoRenewStatus": 0}),
	})

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, domain.EventRenewalStatusChanged, event.Type)
	require.NotNil(t, event.AutoRenewEnabled)
	require.False(t, *event.AutoRenewEnabled)
}

func TestParsePlanChangeUsesRenewalPreference(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.notification(t, notificationRenewalPref, map[string]any{
		"bundleId":              "com.serenity.app",
		"signedTransactionInfo": f.transaction(t, nil),
		"signedRenewalInfo": f.sign(t, jwt.MapClaims{
			"autoRenewStatus":    1,
			"autoRenewProductId": "com.serenity.yoga.monthly",
		}),
	})

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	require.Equal(t, domain.EventPlanChanged, event.Type)
	require.Equal(t, "com.serenity.yoga.monthly", event.ProductID)
}

func TestParseRejectsForgedPayload(t *testing.T) {
	signer := newCertFixture(t)
	trusted := newCertFixture(t)
	adapter := newTestAdapter(trusted)

	payload := signer.notification(t, notificationDidRenew, map[string]any{
		"bundleId":              "com.serenity.app",
		"signedTransactionInfo": signer.transaction(t, nil),
	})

	_, err := adapter.Parse(context.Background(), payload)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestParseRejectsForeignBundle(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.notification(t, notificationDidRenew, map[string]any{
		"bundleId":              "com.other.app",
		"signedTransactionInfo": f.transaction(t, nil),
	})

	_, err := adapter.Parse(context.Background(), payload)
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestParseUnhandledNotificationIgnored(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.notification(t, "CONSUMPTION_REQUEST", map[string]any{
		"bundleId":              "com.serenity.app",
		"signedTransactionInfo": f.transaction(t, nil),
	})

	_, err := adapter.Parse(context.Background(), payload)
	require.ErrorIs(t, err, domain.ErrEventIgnored)
}

func TestParseRejectsMissingEnvelope(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	_, err := adapter.Parse(context.Background(), []byte(`{"signedPayload":""}`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestParseMissingSignedDateFallsBackToClock(t *testing.T) {
	f := newCertFixture(t)
	adapter := newTestAdapter(f)

	payload := f.sign(t, jwt.MapClaims{
		"notificationType": notificationDidRenew,
		"notificationUUID": "uuid-no-signed-date",
		"data": map[string]any{
			"bundleId":              "com.serenity.app",
			"signedTransactionInfo": f.transaction(t, nil),
		},
	})
	envelope, err := json.Marshal(map[string]string{"signedPayload": payload})
	require.NoError(t, err)

	event, err := adapter.Parse(context.Background(), envelope)
	require.NoError(t, err)
	require.Equal(t, testNow, event.OccurredAt)
}
