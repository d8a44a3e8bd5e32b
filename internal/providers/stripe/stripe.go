package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/providers/domain"
	"go.uber.org/zap"
)

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
	log           *zap.Logger
}

func NewAdapter(webhookSecret string, tolerance time.Duration, clk clock.Clock, log *zap.Logger) *Adapter {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Adapter{
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     tolerance,
		clock:         clk,
		log:           log.Named("providers.stripe"),
	}
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return domain.ErrInvalidSignature
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	now := a.clock.Now(ctx)
	drift := now.Sub(time.Unix(ts, 0).UTC())
	if drift > a.tolerance || drift < -a.tolerance {
		return domain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.ProviderEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutCompleted(event, payload)
	case "customer.subscription.updated":
		return a.parseSubscriptionUpdated(event, payload)
	case "customer.subscription.deleted":
		return a.parseSubscriptionTerminal(event, payload, domain.EventRevoked)
	case "invoice.paid":
		return a.parseInvoice(event, payload, domain.EventRenewed)
	case "invoice.payment_failed":
		return a.parseInvoice(event, payload, domain.EventRenewalFailed)
	case "charge.refunded":
		return a.parseChargeRefunded(event, payload)
	case "charge.dispute.created":
		return a.parseDisputeCreated(event, payload)
	default:
		a.log.Debug("unhandled stripe event type",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID))
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	TrialEnd           int64             `json:"trial_end"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string            `json:"id"`
	Subscription string            `json:"subscription"`
	Charge       string            `json:"charge"`
	AmountPaid   int64             `json:"amount_paid"`
	AmountDue    int64             `json:"amount_due"`
	Currency     string            `json:"currency"`
	Created      int64             `json:"created"`
	PeriodEnd    int64             `json:"period_end"`
	Metadata     map[string]string `json:"metadata"`
	Lines        struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeDispute struct {
	ID       string            `json:"id"`
	Charge   string            `json:"charge"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) parseCheckoutCompleted(event stripeEvent, payload []byte) (*domain.ProviderEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.Subscription) == "" {
		// One-off payment sessions do not affect subscription state.
		return nil, domain.ErrEventIgnored
	}

	userRaw := strings.TrimSpace(session.ClientReferenceID)
	if userRaw == "" {
		userRaw = strings.TrimSpace(session.Metadata["user_id"])
	}
	userID, err := snowflake.ParseString(userRaw)
	if err != nil || userID == 0 {
		a.log.Warn("checkout session missing user reference", zap.String("session_id", session.ID))
		return nil, domain.ErrInvalidUser
	}

	return &domain.ProviderEvent{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   event.ID,
		Type:              domain.EventPurchased,
		LineageKey:        session.Subscription,
		UserID:            userID,
		ProductID:         strings.TrimSpace(session.Metadata["price_id"]),
		Amount:            session.AmountTotal,
		Currency:          strings.ToUpper(strings.TrimSpace(session.Currency)),
		ProviderPaymentID: session.ID,
		IsTrial:           session.PaymentStatus == "no_payment_required",
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseSubscriptionUpdated(event stripeEvent, payload []byte) (*domain.ProviderEvent, error) {
	sub, err := decodeSubscription(event)
	if err != nil {
		return nil, err
	}

	autoRenew := !sub.CancelAtPeriodEnd
	out := &domain.ProviderEvent{
		Provider:         domain.ProviderStripe,
		ProviderEventID:  event.ID,
		Type:             domain.EventRenewalStatusChanged,
		LineageKey:       sub.ID,
		AutoRenewEnabled: &autoRenew,
		OccurredAt:       timestamp(0, event.Created),
		RawPayload:       payload,
	}
	if len(sub.Items.Data) > 0 {
		out.ProductID = strings.TrimSpace(sub.Items.Data[0].Price.ID)
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.ExpiresAt = &end
	}
	return out, nil
}

func (a *Adapter) parseSubscriptionTerminal(event stripeEvent, payload []byte, eventType domain.EventType) (*domain.ProviderEvent, error) {
	sub, err := decodeSubscription(event)
	if err != nil {
		return nil, err
	}
	return &domain.ProviderEvent{
		Provider:        domain.ProviderStripe,
		ProviderEventID: event.ID,
		Type:            eventType,
		LineageKey:      sub.ID,
		OccurredAt:      timestamp(0, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte, eventType domain.EventType) (*domain.ProviderEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.Subscription) == "" {
		return nil, domain.ErrEventIgnored
	}

	out := &domain.ProviderEvent{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   event.ID,
		Type:              eventType,
		LineageKey:        invoice.Subscription,
		Amount:            invoice.AmountPaid,
		Currency:          strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		ProviderPaymentID: invoice.Charge,
		OccurredAt:        timestamp(invoice.Created, event.Created),
		RawPayload:        payload,
	}
	if eventType == domain.EventRenewalFailed {
		out.Amount = invoice.AmountDue
	}
	if len(invoice.Lines.Data) > 0 {
		line := invoice.Lines.Data[0]
		out.ProductID = strings.TrimSpace(line.Price.ID)
		if line.Period.End > 0 {
			end := time.Unix(line.Period.End, 0).UTC()
			out.ExpiresAt = &end
		}
	}
	if out.ExpiresAt == nil && invoice.PeriodEnd > 0 {
		end := time.Unix(invoice.PeriodEnd, 0).UTC()
		out.ExpiresAt = &end
	}
	return out, nil
}

func (a *Adapter) parseChargeRefunded(event stripeEvent, payload []byte) (*domain.ProviderEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}

	return &domain.ProviderEvent{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   event.ID,
		Type:              domain.EventRefunded,
		LineageKey:        strings.TrimSpace(charge.Metadata["subscription_id"]),
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		ProviderPaymentID: charge.ID,
		OccurredAt:        timestamp(charge.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseDisputeCreated(event stripeEvent, payload []byte) (*domain.ProviderEvent, error) {
	var dispute stripeDispute
	if err := json.Unmarshal(event.Data.Object, &dispute); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(dispute.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.ProviderEvent{
		Provider:          domain.ProviderStripe,
		ProviderEventID:   event.ID,
		Type:              domain.EventRevoked,
		LineageKey:        strings.TrimSpace(dispute.Metadata["subscription_id"]),
		Amount:            dispute.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(dispute.Currency)),
		ProviderPaymentID: dispute.Charge,
		OccurredAt:        timestamp(dispute.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func decodeSubscription(event stripeEvent) (*stripeSubscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}
	return &sub, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
