package manual

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/serenitylabs/serenity/internal/providers/domain"
)

// Manual events are synthesized from administrator actions and bypass
// transport verification; provenance is carried on the admin audit trail,
// not here. Each synthesized event gets a fresh UUID so the idempotency
// gate treats every admin action as a distinct delivery.

type GrantInput struct {
	UserID    snowflake.ID
	PlanCode  string
	ExpiresAt time.Time
	IsTrial   bool
}

func NewGrantEvent(in GrantInput, now time.Time) *domain.ProviderEvent {
	expires := in.ExpiresAt.UTC()
	return &domain.ProviderEvent{
		Provider:        domain.ProviderManual,
		ProviderEventID: uuid.NewString(),
		Type:            domain.EventPurchased,
		LineageKey:      "manual-" + uuid.NewString(),
		UserID:          in.UserID,
		ProductID:       in.PlanCode,
		ExpiresAt:       &expires,
		IsTrial:         in.IsTrial,
		OccurredAt:      now,
	}
}

func NewExtendEvent(lineageKey string, expiresAt, now time.Time) *domain.ProviderEvent {
	expires := expiresAt.UTC()
	return &domain.ProviderEvent{
		Provider:        domain.ProviderManual,
		ProviderEventID: uuid.NewString(),
		Type:            domain.EventRenewed,
		LineageKey:      lineageKey,
		ExpiresAt:       &expires,
		OccurredAt:      now,
	}
}

func NewRevokeEvent(lineageKey string, now time.Time) *domain.ProviderEvent {
	return &domain.ProviderEvent{
		Provider:        domain.ProviderManual,
		ProviderEventID: uuid.NewString(),
		Type:            domain.EventRevoked,
		LineageKey:      lineageKey,
		OccurredAt:      now,
	}
}
