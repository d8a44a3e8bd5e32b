package tier

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/serenitylabs/serenity/internal/clock"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	userdomain "github.com/serenitylabs/serenity/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entitlement is what authorization middleware consumes. ExpiresAt is the
// instant access lapses absent further renewal; nil for free users.
type Entitlement struct {
	Tier      plandomain.Tier `json:"tier"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	IsInGrace bool            `json:"is_in_grace"`
}

// Resolver answers the effective-tier read path from the database
// projection alone. It never calls a provider; this sits on the hot path
// of every authorized request.
type Resolver struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	subRepo  subscriptiondomain.Repository
	planRepo plandomain.Repository
	userRepo userdomain.Repository
}

func NewResolver(db *gorm.DB, log *zap.Logger, clk clock.Clock, subRepo subscriptiondomain.Repository, planRepo plandomain.Repository, userRepo userdomain.Repository) *Resolver {
	return &Resolver{
		db:       db,
		log:      log.Named("tier.resolver"),
		clock:    clk,
		subRepo:  subRepo,
		planRepo: planRepo,
		userRepo: userRepo,
	}
}

func (r *Resolver) EffectiveTier(ctx context.Context, userID snowflake.ID) (Entitlement, error) {
	user, err := r.userRepo.FindByID(ctx, r.db, userID)
	if err != nil {
		return Entitlement{}, err
	}
	if user == nil {
		return Entitlement{}, userdomain.ErrUserNotFound
	}

	sub, err := r.subRepo.FindLiveByUser(ctx, r.db, userID)
	if err != nil {
		return Entitlement{}, err
	}
	if sub == nil {
		return Entitlement{Tier: plandomain.TierFree}, nil
	}

	now := r.clock.Now(ctx)
	accessEnd := sub.CurrentPeriodEnd
	inGrace := sub.Status == subscriptiondomain.SubscriptionStatusGracePeriod ||
		sub.Status == subscriptiondomain.SubscriptionStatusPastDue
	if inGrace && sub.GracePeriodEnd != nil && sub.GracePeriodEnd.After(accessEnd) {
		accessEnd = *sub.GracePeriodEnd
	}

	// The sweep may not have expired an overdue lineage yet; the read
	// path must not report paid access past its end regardless.
	if !accessEnd.After(now) {
		return Entitlement{Tier: plandomain.TierFree}, nil
	}

	plan, err := r.planRepo.FindByID(ctx, r.db, sub.PlanID)
	if err != nil {
		return Entitlement{}, err
	}
	if plan == nil {
		r.log.Error("live subscription references missing plan",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("plan_id", sub.PlanID.String()))
		return Entitlement{}, plandomain.ErrPlanNotFound
	}

	return Entitlement{
		Tier:      plan.Tier,
		ExpiresAt: &accessEnd,
		IsInGrace: inGrace,
	}, nil
}

var Module = fx.Module("tier",
	fx.Provide(NewResolver),
)
