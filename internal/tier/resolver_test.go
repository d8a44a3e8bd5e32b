package tier

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/serenitylabs/serenity/internal/clock"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	planrepo "github.com/serenitylabs/serenity/internal/plan/repository"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	subscriptionrepo "github.com/serenitylabs/serenity/internal/subscription/repository"
	userdomain "github.com/serenitylabs/serenity/internal/user/domain"
	userrepo "github.com/serenitylabs/serenity/internal/user/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type resolverFixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clk      *clock.Fixed
	resolver *Resolver
	user     userdomain.User
	plan     plandomain.Plan
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&userdomain.User{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFixed(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	now := clk.Now(context.Background())

	f := &resolverFixture{
		db:   db,
		node: node,
		clk:  clk,
		resolver: NewResolver(db, zap.NewNop(), clk,
			subscriptionrepo.Provide(), planrepo.Provide(), userrepo.Provide()),
	}

	f.user = userdomain.User{
		ID:        node.Generate(),
		Email:     "calm@serenity.app",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.Create(&f.user).Error)

	f.plan = plandomain.Plan{
		ID:                node.Generate(),
		Code:              "premium_monthly",
		Name:              "Premium Monthly",
		Tier:              plandomain.TierPremium,
		MonthlyPriceCents: 1299,
		Currency:          "USD",
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, db.Create(&f.plan).Error)

	return f
}

func (f *resolverFixture) seedSubscription(t *testing.T, status subscriptiondomain.SubscriptionStatus, periodEnd time.Time, graceEnd *time.Time) {
	t.Helper()
	now := f.clk.Now(context.Background())
	sub := subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             f.user.ID,
		PlanID:             f.plan.ID,
		Provider:           providerdomain.ProviderStripe,
		LineageKey:         "sub_" + f.node.Generate().String(),
		Status:             status,
		Interval:           plandomain.IntervalMonthly,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0),
		CurrentPeriodEnd:   periodEnd,
		GracePeriodEnd:     graceEnd,
		LastVerifiedAt:     now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	require.NoError(t, f.db.Create(&sub).Error)
}

func TestFreeWithoutSubscription(t *testing.T) {
	f := newResolverFixture(t)

	entitlement, err := f.resolver.EffectiveTier(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, plandomain.TierFree, entitlement.Tier)
	require.Nil(t, entitlement.ExpiresAt)
	require.False(t, entitlement.IsInGrace)
}

func TestActiveSubscriptionGrantsPlanTier(t *testing.T) {
	f := newResolverFixture(t)
	periodEnd := f.clk.Now(context.Background()).AddDate(0, 0, 20)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusActive, periodEnd, nil)

	entitlement, err := f.resolver.EffectiveTier(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, plandomain.TierPremium, entitlement.Tier)
	require.NotNil(t, entitlement.ExpiresAt)
	require.Equal(t, periodEnd, entitlement.ExpiresAt.UTC())
	require.False(t, entitlement.IsInGrace)
}

func TestGraceKeepsPaidAccess(t *testing.T) {
	f := newResolverFixture(t)
	now := f.clk.Now(context.Background())
	graceEnd := now.AddDate(0, 0, 10)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusGracePeriod, now.AddDate(0, 0, -2), &graceEnd)

	entitlement, err := f.resolver.EffectiveTier(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, plandomain.TierPremium, entitlement.Tier)
	require.True(t, entitlement.IsInGrace)
	require.Equal(t, graceEnd, entitlement.ExpiresAt.UTC())
}

func TestOverdueUnsweptLineageReadsAsFree(t *testing.T) {
	f := newResolverFixture(t)
	now := f.clk.Now(context.Background())
	// Grace elapsed but the sweep has not run yet.
	graceEnd := now.AddDate(0, 0, -1)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusGracePeriod, now.AddDate(0, 0, -17), &graceEnd)

	entitlement, err := f.resolver.EffectiveTier(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, plandomain.TierFree, entitlement.Tier)
}

func TestTerminalSubscriptionReadsAsFree(t *testing.T) {
	f := newResolverFixture(t)
	f.seedSubscription(t, subscriptiondomain.SubscriptionStatusCancelled,
		f.clk.Now(context.Background()).AddDate(0, 0, 20), nil)

	entitlement, err := f.resolver.EffectiveTier(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, plandomain.TierFree, entitlement.Tier)
}

func TestUnknownUser(t *testing.T) {
	f := newResolverFixture(t)

	_, err := f.resolver.EffectiveTier(context.Background(), f.node.Generate())
	require.ErrorIs(t, err, userdomain.ErrUserNotFound)
}
