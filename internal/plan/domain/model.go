package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Tier string

const (
	TierFree       Tier = "FREE"
	TierMeditation Tier = "MEDITATION"
	TierYoga       Tier = "YOGA"
	TierPremium    Tier = "PREMIUM"
	TierFamily     Tier = "FAMILY"
	TierEnterprise Tier = "ENTERPRISE"
)

// Rank orders tiers for access comparison. MEDITATION and YOGA are
// parallel single-vertical tiers and share a rank.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierMeditation, TierYoga:
		return 1
	case TierPremium:
		return 2
	case TierFamily:
		return 3
	case TierEnterprise:
		return 4
	default:
		return -1
	}
}

func (t Tier) Valid() bool { return t.Rank() >= 0 }

type BillingInterval string

const (
	IntervalMonthly BillingInterval = "MONTHLY"
	IntervalYearly  BillingInterval = "YEARLY"
)

var (
	ErrPlanNotFound   = errors.New("plan_not_found")
	ErrUnknownProduct = errors.New("unknown_product")
	ErrInvalidTier    = errors.New("invalid_tier")
)

// Plan is a catalog entry. Pricing and product mappings are immutable once
// a live subscription references the plan; only Name and Metadata may change.
type Plan struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	Code              string         `json:"code" gorm:"type:text;not null;uniqueIndex"`
	Name              string         `json:"name" gorm:"type:text;not null"`
	Tier              Tier           `json:"tier" gorm:"type:text;not null"`
	MonthlyPriceCents int64          `json:"monthly_price_cents" gorm:"not null"`
	YearlyPriceCents  int64          `json:"yearly_price_cents" gorm:"not null"`
	Currency          string         `json:"currency" gorm:"type:varchar(3);not null"`
	StripePriceID     string         `json:"stripe_price_id" gorm:"type:text;index"`
	AppleProductID    string         `json:"apple_product_id" gorm:"type:text;index"`
	GoogleProductID   string         `json:"google_product_id" gorm:"type:text;index"`
	Active            bool           `json:"active" gorm:"default:true"`
	Metadata          datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

type Repository interface {
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Plan, error)
	FindByCode(ctx context.Context, tx *gorm.DB, code string) (*Plan, error)
	// FindByProviderProduct resolves the provider-native product identifier
	// (Stripe price id, Apple product id, Google product id) to a plan.
	FindByProviderProduct(ctx context.Context, tx *gorm.DB, provider, productID string) (*Plan, error)
	Insert(ctx context.Context, tx *gorm.DB, plan *Plan) error
}
