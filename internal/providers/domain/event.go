package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	ProviderStripe = "stripe"
	ProviderApple  = "apple"
	ProviderGoogle = "google"
	ProviderManual = "manual"
)

// Canonical event types produced by adapters. The reconciliation engine's
// transition table is keyed on these.
type EventType string

const (
	EventPurchased            EventType = "purchased"
	EventRenewed              EventType = "renewed"
	EventRenewalFailed        EventType = "renewal_failed"
	EventGraceExpired         EventType = "grace_expired"
	EventExpired              EventType = "expired"
	EventRefunded             EventType = "refunded"
	EventRevoked              EventType = "revoked"
	EventRenewalStatusChanged EventType = "renewal_status_changed"
	EventPlanChanged          EventType = "plan_changed"
)

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrInvalidUser      = errors.New("invalid_user")
)

// ProviderEvent is the canonical, provider-agnostic representation of a
// subscription-affecting occurrence. It is ephemeral: only the dedup key
// survives processing, as an idempotency record.
type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	Type            EventType

	// LineageKey ties all events for one subscription instance together:
	// the Stripe subscription id, Apple originalTransactionId, or Google
	// purchase token.
	LineageKey string

	UserID    snowflake.ID
	ProductID string
	Amount    int64
	Currency  string

	// ProviderPaymentID identifies the settled charge or transaction the
	// event concerns (Stripe charge id, Apple transactionId, Google order
	// id). The refund ledger matches Payment rows on it.
	ProviderPaymentID string

	ExpiresAt *time.Time
	IsTrial   bool
	// AutoRenewEnabled carries the renewal-status flag for
	// renewal_status_changed events.
	AutoRenewEnabled *bool

	OccurredAt time.Time
	RawPayload []byte
}

// DedupKey is the durable idempotency key, unique per provider.
func (e *ProviderEvent) DedupKey() string {
	return e.Provider + ":" + e.ProviderEventID
}

type Adapter interface {
	// Verify authenticates the transport-level payload (HMAC signature,
	// JWS chain, push bearer token). It must be called before Parse and
	// must not trust any payload field.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse canonicalizes the payload. ErrEventIgnored marks event types
	// this system does not reconcile; the gate acknowledges those with 2xx.
	Parse(ctx context.Context, payload []byte) (*ProviderEvent, error)
}
