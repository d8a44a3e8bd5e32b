package google

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/providers/domain"
	"go.uber.org/zap"
)

// Real-time developer notification types, per the Play Billing docs.
const (
	notificationRecovered     = 1
	notificationRenewed       = 2
	notificationCanceled      = 3
	notificationPurchased     = 4
	notificationOnHold        = 5
	notificationInGracePeriod = 6
	notificationRestarted     = 7
	notificationRevoked       = 12
	notificationExpired       = 13
)

type pushEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	Version                  string `json:"version"`
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// Adapter handles Google Play real-time developer notifications delivered
// through a Pub/Sub push subscription. Transport authenticity is a shared
// bearer token configured on the push endpoint.
type Adapter struct {
	packageName   string
	pushAuthToken string
	clock         clock.Clock
	log           *zap.Logger
}

func NewAdapter(packageName, pushAuthToken string, clk clock.Clock, log *zap.Logger) *Adapter {
	return &Adapter{
		packageName:   strings.TrimSpace(packageName),
		pushAuthToken: strings.TrimSpace(pushAuthToken),
		clock:         clk,
		log:           log.Named("providers.google"),
	}
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.pushAuthToken == "" {
		return domain.ErrInvalidSignature
	}
	auth := strings.TrimSpace(headers.Get("Authorization"))
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return domain.ErrInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.pushAuthToken)) != 1 {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.ProviderEvent, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.Message.MessageID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}

	var notification developerNotification
	if err := json.Unmarshal(decoded, &notification); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if a.packageName != "" && notification.PackageName != a.packageName {
		a.log.Warn("google notification for foreign package",
			zap.String("package", notification.PackageName))
		return nil, domain.ErrInvalidEvent
	}
	if notification.SubscriptionNotification == nil {
		// Test notifications and one-time product notifications.
		return nil, domain.ErrEventIgnored
	}

	sub := notification.SubscriptionNotification
	if strings.TrimSpace(sub.PurchaseToken) == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.ProviderEvent{
		Provider:        domain.ProviderGoogle,
		ProviderEventID: envelope.Message.MessageID,
		// The purchase token is the lineage key on Play.
		LineageKey: sub.PurchaseToken,
		ProductID:  strings.TrimSpace(sub.SubscriptionID),
		OccurredAt: eventTimeOr(notification.EventTimeMillis, a.clock.Now(ctx)),
		RawPayload: payload,
	}

	switch sub.NotificationType {
	case notificationPurchased:
		event.Type = domain.EventPurchased
	case notificationRecovered, notificationRenewed:
		event.Type = domain.EventRenewed
	case notificationOnHold, notificationInGracePeriod:
		event.Type = domain.EventRenewalFailed
	case notificationCanceled:
		event.Type = domain.EventRenewalStatusChanged
		disabled := false
		event.AutoRenewEnabled = &disabled
	case notificationRestarted:
		event.Type = domain.EventRenewalStatusChanged
		enabled := true
		event.AutoRenewEnabled = &enabled
	case notificationRevoked:
		event.Type = domain.EventRevoked
	case notificationExpired:
		event.Type = domain.EventExpired
	default:
		a.log.Debug("unhandled google notification type",
			zap.Int("type", sub.NotificationType))
		return nil, domain.ErrEventIgnored
	}

	return event, nil
}

func eventTimeOr(millis string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(millis), 10, 64)
	if err != nil || ms <= 0 {
		return fallback.UTC()
	}
	return time.UnixMilli(ms).UTC()
}
