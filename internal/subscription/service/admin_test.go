package service

import (
	"context"
	"testing"
	"time"

	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	"github.com/serenitylabs/serenity/internal/providers/manual"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	subscriptionrepo "github.com/serenitylabs/serenity/internal/subscription/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAdminService(f *engineFixture) *AdminService {
	return NewAdminService(f.db, zap.NewNop(), f.node, f.clk, subscriptionrepo.Provide(), f.reconciler)
}

func TestAdminGrantActivatesManualSubscription(t *testing.T) {
	f := newEngineFixture(t)
	admin := newAdminService(f)
	expires := f.clk.Now(context.Background()).AddDate(0, 3, 0)

	sub, err := admin.Grant(context.Background(), manual.GrantInput{
		UserID:    f.user.ID,
		PlanCode:  f.plan.Code,
		ExpiresAt: expires,
	})
	require.NoError(t, err)
	require.Equal(t, providerdomain.ProviderManual, sub.Provider)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.Equal(t, expires, sub.CurrentPeriodEnd)

	require.Equal(t, plandomain.TierPremium, f.reloadUser(t).SubscriptionTier)
}

func TestAdminExtendPushesPeriodEnd(t *testing.T) {
	f := newEngineFixture(t)
	admin := newAdminService(f)
	now := f.clk.Now(context.Background())

	sub, err := admin.Grant(context.Background(), manual.GrantInput{
		UserID:    f.user.ID,
		PlanCode:  f.plan.Code,
		ExpiresAt: now.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	later := now.AddDate(0, 6, 0)
	extended, err := admin.Extend(context.Background(), f.user.ID, later)
	require.NoError(t, err)
	require.Equal(t, sub.ID, extended.ID)
	require.Equal(t, later, extended.CurrentPeriodEnd)
}

func TestAdminExtendNeverShortens(t *testing.T) {
	f := newEngineFixture(t)
	admin := newAdminService(f)
	now := f.clk.Now(context.Background())
	original := now.AddDate(0, 6, 0)

	_, err := admin.Grant(context.Background(), manual.GrantInput{
		UserID:    f.user.ID,
		PlanCode:  f.plan.Code,
		ExpiresAt: original,
	})
	require.NoError(t, err)

	// An earlier date must not walk the period end backwards.
	extended, err := admin.Extend(context.Background(), f.user.ID, now.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Equal(t, original, extended.CurrentPeriodEnd)
}

func TestAdminRevokeCancelsAndDowngrades(t *testing.T) {
	f := newEngineFixture(t)
	admin := newAdminService(f)

	_, err := admin.Grant(context.Background(), manual.GrantInput{
		UserID:    f.user.ID,
		PlanCode:  f.plan.Code,
		ExpiresAt: f.clk.Now(context.Background()).AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	revoked, err := admin.Revoke(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, revoked.Status)
	require.Equal(t, plandomain.TierFree, f.reloadUser(t).SubscriptionTier)
}

func TestAdminExtendRequiresManualGrant(t *testing.T) {
	f := newEngineFixture(t)
	admin := newAdminService(f)

	// Stripe-managed lineage; admin extension only applies to manual grants.
	f.apply(t, f.purchaseEvent("sub_stripe_1", f.clk.Now(context.Background()).AddDate(0, 1, 0)))

	_, err := admin.Extend(context.Background(), f.user.ID, f.clk.Now(context.Background()).AddDate(0, 2, 0))
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = admin.Revoke(context.Background(), f.user.ID)
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestAdminTrialGrant(t *testing.T) {
	f := newEngineFixture(t)
	admin := newAdminService(f)

	sub, err := admin.Grant(context.Background(), manual.GrantInput{
		UserID:    f.user.ID,
		PlanCode:  f.plan.Code,
		ExpiresAt: f.clk.Now(context.Background()).Add(14 * 24 * time.Hour),
		IsTrial:   true,
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, sub.Status)
}
