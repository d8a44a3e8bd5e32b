package apple

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/providers/domain"
	"go.uber.org/zap"
)

// App Store Server Notification V2 types this system reconciles.
const (
	notificationSubscribed         = "SUBSCRIBED"
	notificationDidRenew           = "DID_RENEW"
	notificationDidFailToRenew     = "DID_FAIL_TO_RENEW"
	notificationGracePeriodExpired = "GRACE_PERIOD_EXPIRED"
	notificationExpired            = "EXPIRED"
	notificationRefund             = "REFUND"
	notificationRevoke             = "REVOKE"
	notificationRenewalStatus      = "DID_CHANGE_RENEWAL_STATUS"
	notificationRenewalPref        = "DID_CHANGE_RENEWAL_PREF"
)

type signedPayloadEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}

type notificationClaims struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	SignedDate       int64            `json:"signedDate"`
	Data             notificationData `json:"data"`
	jwt.RegisteredClaims
}

type notificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

type transactionClaims struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	OfferType             int    `json:"offerType"`
	Type                  string `json:"type"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	jwt.RegisteredClaims
}

type renewalClaims struct {
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ExpirationIntent       int    `json:"expirationIntent"`
	GracePeriodExpiresDate int64  `json:"gracePeriodExpiresDate"`
	jwt.RegisteredClaims
}

// offerTypeIntroductory marks an introductory (free trial) offer on the
// transaction.
const offerTypeIntroductory = 1

// Adapter handles App Store Server Notifications V2. The payload is a JWS
// whose transaction and renewal sub-objects are themselves nested JWS
// strings; both layers are signature-verified against Apple's certificate
// chain before any field is trusted.
type Adapter struct {
	verifier *jwsVerifier
	bundleID string
	clock    clock.Clock
	log      *zap.Logger
}

func NewAdapter(bundleID string, clk clock.Clock, log *zap.Logger) (*Adapter, error) {
	verifier, err := newJWSVerifier()
	if err != nil {
		return nil, err
	}
	verifier.now = clockNow(clk)
	return &Adapter{
		verifier: verifier,
		bundleID: strings.TrimSpace(bundleID),
		clock:    clk,
		log:      log.Named("providers.apple"),
	}, nil
}

// NewAdapterWithRoots pins a custom trust anchor, for tests.
func NewAdapterWithRoots(bundleID string, roots *x509.CertPool, clk clock.Clock, log *zap.Logger) *Adapter {
	return &Adapter{
		verifier: newJWSVerifierWithRoots(roots, clockNow(clk)),
		bundleID: strings.TrimSpace(bundleID),
		clock:    clk,
		log:      log.Named("providers.apple"),
	}
}

func clockNow(clk clock.Clock) func() time.Time {
	return func() time.Time { return clk.Now(context.Background()) }
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	_, _, _, err := a.decode(payload)
	return err
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.ProviderEvent, error) {
	notification, transaction, renewal, err := a.decode(payload)
	if err != nil {
		return nil, err
	}

	eventType, err := a.canonicalType(notification)
	if err != nil {
		return nil, err
	}

	if transaction == nil || strings.TrimSpace(transaction.OriginalTransactionID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.ProviderEvent{
		Provider:        domain.ProviderApple,
		ProviderEventID: notification.NotificationUUID,
		Type:            eventType,
		// originalTransactionId is the stable lineage key; the
		// per-transaction id changes on every renewal.
		LineageKey:        transaction.OriginalTransactionID,
		ProductID:         transaction.ProductID,
		ProviderPaymentID: transaction.TransactionID,
		Amount:            transaction.Price,
		Currency:          strings.ToUpper(strings.TrimSpace(transaction.Currency)),
		IsTrial:           transaction.OfferType == offerTypeIntroductory,
		OccurredAt:        millisOr(notification.SignedDate, a.clock.Now(ctx)),
		RawPayload:        payload,
	}

	if transaction.ExpiresDate > 0 {
		expires := time.UnixMilli(transaction.ExpiresDate).UTC()
		event.ExpiresAt = &expires
	}

	if renewal != nil {
		if eventType == domain.EventRenewalStatusChanged {
			enabled := renewal.AutoRenewStatus == 1
			event.AutoRenewEnabled = &enabled
		}
		if eventType == domain.EventPlanChanged && renewal.AutoRenewProductID != "" {
			event.ProductID = renewal.AutoRenewProductID
		}
	}

	return event, nil
}

func (a *Adapter) decode(payload []byte) (*notificationClaims, *transactionClaims, *renewalClaims, error) {
	var envelope signedPayloadEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, nil, nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.SignedPayload) == "" {
		return nil, nil, nil, domain.ErrInvalidPayload
	}

	var notification notificationClaims
	if err := a.verifier.VerifyAndDecode(envelope.SignedPayload, &notification); err != nil {
		a.log.Warn("apple notification signature rejected", zap.Error(err))
		return nil, nil, nil, domain.ErrInvalidSignature
	}

	if a.bundleID != "" && notification.Data.BundleID != a.bundleID {
		a.log.Warn("apple notification for foreign bundle",
			zap.String("bundle_id", notification.Data.BundleID))
		return nil, nil, nil, domain.ErrInvalidEvent
	}

	var transaction *transactionClaims
	if signed := strings.TrimSpace(notification.Data.SignedTransactionInfo); signed != "" {
		var claims transactionClaims
		if err := a.verifier.VerifyAndDecode(signed, &claims); err != nil {
			a.log.Warn("apple transaction signature rejected", zap.Error(err))
			return nil, nil, nil, domain.ErrInvalidSignature
		}
		transaction = &claims
	}

	var renewal *renewalClaims
	if signed := strings.TrimSpace(notification.Data.SignedRenewalInfo); signed != "" {
		var claims renewalClaims
		if err := a.verifier.VerifyAndDecode(signed, &claims); err != nil {
			a.log.Warn("apple renewal signature rejected", zap.Error(err))
			return nil, nil, nil, domain.ErrInvalidSignature
		}
		renewal = &claims
	}

	return &notification, transaction, renewal, nil
}

func (a *Adapter) canonicalType(n *notificationClaims) (domain.EventType, error) {
	switch n.NotificationType {
	case notificationSubscribed:
		return domain.EventPurchased, nil
	case notificationDidRenew:
		return domain.EventRenewed, nil
	case notificationDidFailToRenew:
		return domain.EventRenewalFailed, nil
	case notificationGracePeriodExpired:
		return domain.EventGraceExpired, nil
	case notificationExpired:
		return domain.EventExpired, nil
	case notificationRefund:
		return domain.EventRefunded, nil
	case notificationRevoke:
		return domain.EventRevoked, nil
	case notificationRenewalStatus:
		return domain.EventRenewalStatusChanged, nil
	case notificationRenewalPref:
		return domain.EventPlanChanged, nil
	default:
		a.log.Debug("unhandled apple notification type",
			zap.String("type", n.NotificationType),
			zap.String("subtype", n.Subtype))
		return "", domain.ErrEventIgnored
	}
}

func millisOr(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}
