package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("user_not_found")

// User carries only the fields the billing core owns. The denormalized
// subscription_tier column is the projection authorization middleware reads.
type User struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	Email            string          `json:"email" gorm:"type:text;not null;uniqueIndex"`
	SubscriptionTier plandomain.Tier `json:"subscription_tier" gorm:"type:text;not null;default:FREE"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"not null"`
}

func (User) TableName() string { return "users" }

type Repository interface {
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*User, error)
	// UpdateTier is only called inside reconciliation transactions so the
	// projection can never be observed stale after a committed transition.
	UpdateTier(ctx context.Context, tx *gorm.DB, id snowflake.ID, tier plandomain.Tier, now time.Time) error
}
