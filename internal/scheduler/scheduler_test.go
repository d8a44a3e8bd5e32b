package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/config"
	outboxdomain "github.com/serenitylabs/serenity/internal/outbox/domain"
	outboxrepo "github.com/serenitylabs/serenity/internal/outbox/repository"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	paymentrepo "github.com/serenitylabs/serenity/internal/payment/repository"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	planrepo "github.com/serenitylabs/serenity/internal/plan/repository"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	refundservice "github.com/serenitylabs/serenity/internal/refund/service"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	subscriptionrepo "github.com/serenitylabs/serenity/internal/subscription/repository"
	subscriptionservice "github.com/serenitylabs/serenity/internal/subscription/service"
	userdomain "github.com/serenitylabs/serenity/internal/user/domain"
	userrepo "github.com/serenitylabs/serenity/internal/user/repository"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// recordingDispatcher fails the first failures calls, then succeeds.
type recordingDispatcher struct {
	failures   int
	dispatched []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg *outboxdomain.Message) error {
	if d.failures > 0 {
		d.failures--
		return errors.New("broker unavailable")
	}
	d.dispatched = append(d.dispatched, msg.Topic)
	return nil
}

type schedulerFixture struct {
	db         *gorm.DB
	node       *snowflake.Node
	clk        *clock.Fixed
	scheduler  *Scheduler
	dispatcher *recordingDispatcher
	user       userdomain.User
	plan       plandomain.Plan
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&userdomain.User{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.IdempotencyRecord{},
		&paymentdomain.Payment{},
		&paymentdomain.Refund{},
		&outboxdomain.Message{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFixed(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	payments := paymentrepo.Provide()
	subRepo := subscriptionrepo.Provide()
	outboxRepo := outboxrepo.Provide()
	ledger := refundservice.NewLedger(db, zap.NewNop(), node, clk, payments, nil, 1, nil)
	reconciler := subscriptionservice.NewReconciler(subscriptionservice.ReconcilerParams{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        subRepo,
		PlanRepo:    planrepo.Provide(),
		UserRepo:    userrepo.Provide(),
		PaymentRepo: payments,
		Ledger:      ledger,
		OutboxRepo:  outboxRepo,
	})

	dispatcher := &recordingDispatcher{}
	f := &schedulerFixture{
		db:         db,
		node:       node,
		clk:        clk,
		dispatcher: dispatcher,
		scheduler: New(db, zap.NewNop(), node, clk, config.Config{},
			subRepo, outboxRepo, reconciler, dispatcher),
	}

	now := clk.Now(context.Background())
	f.user = userdomain.User{
		ID:               node.Generate(),
		Email:            "calm@serenity.app",
		SubscriptionTier: plandomain.TierPremium,
		CreatedAt:        now,
		UpdatedAt:        now,
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

func (f *schedulerFixture) seedOverdueSubscription(t *testing.T, graceEnd time.Time) subscriptiondomain.Subscription {
	t.Helper()
	now := f.clk.Now(context.Background())
	sub := subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		UserID:             f.user.ID,
		PlanID:             f.plan.ID,
		Provider:           providerdomain.ProviderApple,
		LineageKey:         "orig-" + f.node.Generate().String(),
		Status:             subscriptiondomain.SubscriptionStatusGracePeriod,
		Interval:           plandomain.IntervalMonthly,
		CurrentPeriodStart: now.AddDate(0, -1, -17),
		CurrentPeriodEnd:   now.AddDate(0, 0, -17),
		GracePeriodEnd:     &graceEnd,
		LastVerifiedAt:     now.AddDate(0, -1, 0),
		CreatedAt:          now.AddDate(0, -1, -17),
		UpdatedAt:          now,
	}
	require.NoError(t, f.db.Create(&sub).Error)
	return sub
}

func (f *schedulerFixture) enqueueMessage(t *testing.T, availableAt time.Time, attempts int) outboxdomain.Message {
	t.Helper()
	now := f.clk.Now(context.Background())
	msg := outboxdomain.Message{
		ID:          f.node.Generate(),
		MessageUUID: uuid.NewString(),
		Topic:       outboxdomain.TopicSubscriptionRenewed,
		Payload:     []byte(`{"user_id":"1"}`),
		Status:      outboxdomain.MessageStatusPending,
		Attempts:    attempts,
		AvailableAt: availableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.db.Create(&msg).Error)
	return msg
}

func (f *schedulerFixture) reloadMessage(t *testing.T, id snowflake.ID) outboxdomain.Message {
	t.Helper()
	var msg outboxdomain.Message
	require.NoError(t, f.db.Raw(`SELECT * FROM outbox_messages WHERE id = ?`, id).Scan(&msg).Error)
	return msg
}

func TestSweepExpiresOverdueLineage(t *testing.T) {
	f := newSchedulerFixture(t)
	now := f.clk.Now(context.Background())
	sub := f.seedOverdueSubscription(t, now.Add(-time.Hour))

	require.NoError(t, f.scheduler.SweepGraceExpired(context.Background()))

	var reloaded subscriptiondomain.Subscription
	require.NoError(t, f.db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, sub.ID).Scan(&reloaded).Error)
	require.Equal(t, subscriptiondomain.SubscriptionStatusExpired, reloaded.Status)

	var user userdomain.User
	require.NoError(t, f.db.Raw(`SELECT * FROM users WHERE id = ?`, f.user.ID).Scan(&user).Error)
	require.Equal(t, plandomain.TierFree, user.SubscriptionTier)

	var topic string
	require.NoError(t, f.db.Raw(
		`SELECT topic FROM outbox_messages ORDER BY created_at DESC LIMIT 1`).Scan(&topic).Error)
	require.Equal(t, outboxdomain.TopicSubscriptionExpired, topic)

	// A second sweep finds nothing live to expire.
	require.NoError(t, f.scheduler.SweepGraceExpired(context.Background()))
	var count int64
	require.NoError(t, f.db.Raw(
		`SELECT COUNT(*) FROM subscriptions WHERE status = ?`,
		subscriptiondomain.SubscriptionStatusExpired).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestSweepLeavesGraceInProgressAlone(t *testing.T) {
	f := newSchedulerFixture(t)
	now := f.clk.Now(context.Background())
	sub := f.seedOverdueSubscription(t, now.Add(24*time.Hour))

	require.NoError(t, f.scheduler.SweepGraceExpired(context.Background()))

	var reloaded subscriptiondomain.Subscription
	require.NoError(t, f.db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, sub.ID).Scan(&reloaded).Error)
	require.Equal(t, subscriptiondomain.SubscriptionStatusGracePeriod, reloaded.Status)
}

func TestDispatchMarksSent(t *testing.T) {
	f := newSchedulerFixture(t)
	now := f.clk.Now(context.Background())
	msg := f.enqueueMessage(t, now.Add(-time.Second), 0)

	require.NoError(t, f.scheduler.DispatchOutbox(context.Background()))
	require.Equal(t, []string{outboxdomain.TopicSubscriptionRenewed}, f.dispatcher.dispatched)

	reloaded := f.reloadMessage(t, msg.ID)
	require.Equal(t, outboxdomain.MessageStatusSent, reloaded.Status)
	require.NotNil(t, reloaded.SentAt)
}

func TestDispatchFailureBacksOff(t *testing.T) {
	f := newSchedulerFixture(t)
	now := f.clk.Now(context.Background())
	msg := f.enqueueMessage(t, now.Add(-time.Second), 0)
	f.dispatcher.failures = 1

	require.NoError(t, f.scheduler.DispatchOutbox(context.Background()))

	reloaded := f.reloadMessage(t, msg.ID)
	require.Equal(t, outboxdomain.MessageStatusPending, reloaded.Status)
	require.Equal(t, 1, reloaded.Attempts)
	require.True(t, reloaded.AvailableAt.After(now))

	// Not yet available, so an immediate drain skips it.
	require.NoError(t, f.scheduler.DispatchOutbox(context.Background()))
	require.Empty(t, f.dispatcher.dispatched)
}

func TestDispatchExhaustionParksMessage(t *testing.T) {
	f := newSchedulerFixture(t)
	now := f.clk.Now(context.Background())
	msg := f.enqueueMessage(t, now.Add(-time.Second), dispatchMaxRetries-1)
	f.dispatcher.failures = 1

	require.NoError(t, f.scheduler.DispatchOutbox(context.Background()))

	reloaded := f.reloadMessage(t, msg.ID)
	require.Equal(t, outboxdomain.MessageStatusFailed, reloaded.Status)
}

func TestDispatchBackoffIsBounded(t *testing.T) {
	require.Equal(t, time.Minute, dispatchBackoff(1))
	require.Equal(t, 2*time.Minute, dispatchBackoff(2))
	require.Equal(t, time.Hour, dispatchBackoff(20))
}
