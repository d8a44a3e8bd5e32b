package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	"gorm.io/gorm"
)

type SubscriptionStatus string

const (
	SubscriptionStatusTrialing    SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive      SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue     SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusGracePeriod SubscriptionStatus = "GRACE_PERIOD"
	SubscriptionStatusCancelled   SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired     SubscriptionStatus = "EXPIRED"
)

// IsLive reports whether the status grants or may still grant access.
// At most one live subscription exists per user at any instant.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusGracePeriod:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the lineage is closed. A new purchase creates
// a new lineage rather than resurrecting a terminal one.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled || s == SubscriptionStatusExpired
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrLineageNotFound      = errors.New("lineage_not_found")
	ErrIntegrity            = errors.New("data_integrity_violation")
	ErrInvalidInterval      = errors.New("invalid_interval")
)

// Subscription is one subscription lineage. LineageKey holds the
// provider-specific stable identifier (Stripe subscription id, Apple
// originalTransactionId, Google purchase token).
type Subscription struct {
	ID                 snowflake.ID               `json:"id" gorm:"primaryKey"`
	UserID             snowflake.ID               `json:"user_id" gorm:"not null;index"`
	PlanID             snowflake.ID               `json:"plan_id" gorm:"not null"`
	Provider           string                     `json:"provider" gorm:"type:text;not null"`
	LineageKey         string                     `json:"lineage_key" gorm:"type:text;not null;index:idx_subscriptions_lineage"`
	Status             SubscriptionStatus         `json:"status" gorm:"type:text;not null;index"`
	Interval           plandomain.BillingInterval `json:"interval" gorm:"type:text;not null"`
	CurrentPeriodStart time.Time                  `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd   time.Time                  `json:"current_period_end" gorm:"not null"`
	TrialStart         *time.Time                 `json:"trial_start"`
	TrialEnd           *time.Time                 `json:"trial_end"`
	GracePeriodEnd     *time.Time                 `json:"grace_period_end"`
	CancelAtPeriodEnd  bool                       `json:"cancel_at_period_end" gorm:"not null;default:false"`
	LastVerifiedAt     time.Time                  `json:"last_verified_at" gorm:"not null"`
	CreatedAt          time.Time                  `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time                  `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// IdempotencyRecord is the sole durable artifact guaranteeing replay
// safety: one row per processed provider event, inserted in the same
// transaction as the state transition it gates.
type IdempotencyRecord struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider    string       `json:"provider" gorm:"type:text;not null"`
	DedupKey    string       `json:"dedup_key" gorm:"type:text;not null;uniqueIndex"`
	ProcessedAt time.Time    `json:"processed_at" gorm:"not null"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, tx *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindLiveByLineageForUpdate locks the live row for the lineage so
	// concurrent deliveries for the same lineage serialize.
	FindLiveByLineageForUpdate(ctx context.Context, tx *gorm.DB, provider, lineageKey string) (*Subscription, error)
	FindLiveByUserForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) ([]Subscription, error)
	FindLiveByUser(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*Subscription, error)
	// ListGraceExpired returns live rows whose grace window has elapsed.
	ListGraceExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Subscription, error)

	FindIdempotencyRecord(ctx context.Context, tx *gorm.DB, dedupKey string) (*IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, tx *gorm.DB, record *IdempotencyRecord) error
}
