package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/metrics"
	outboxdomain "github.com/serenitylabs/serenity/internal/outbox/domain"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	userdomain "github.com/serenitylabs/serenity/internal/user/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// graceWindow is how long access is retained after a failed renewal while
// the provider retries payment.
const graceWindow = 16 * 24 * time.Hour

// yearlyIntervalCutoff separates monthly from yearly periods when the
// provider only tells us the expiry timestamp.
const yearlyIntervalCutoff = 100 * 24 * time.Hour

type ApplyOutcome string

const (
	OutcomeApplied      ApplyOutcome = "applied"
	OutcomeNoop         ApplyOutcome = "noop"
	OutcomeSkippedStale ApplyOutcome = "skipped_stale"
)

type ApplyResult struct {
	Outcome      ApplyOutcome
	Subscription *subscriptiondomain.Subscription
}

type ReconcilerParams struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        subscriptiondomain.Repository
	PlanRepo    plandomain.Repository
	UserRepo    userdomain.Repository
	PaymentRepo paymentdomain.Repository
	Ledger      paymentdomain.Ledger
	OutboxRepo  outboxdomain.Repository
	Metrics     *metrics.Metrics
}

// Reconciler applies canonical provider events to subscription state. All
// mutations happen inside the caller's transaction; the webhook gate owns
// the transaction boundary so the idempotency record and the transition
// commit or roll back together.
type Reconciler struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	planRepo    plandomain.Repository
	userRepo    userdomain.Repository
	paymentRepo paymentdomain.Repository
	ledger      paymentdomain.Ledger
	outboxRepo  outboxdomain.Repository
	metrics     *metrics.Metrics
}

func NewReconciler(p ReconcilerParams) *Reconciler {
	return &Reconciler{
		db:          p.DB,
		log:         p.Log.Named("subscription.reconciler"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		planRepo:    p.PlanRepo,
		userRepo:    p.UserRepo,
		paymentRepo: p.PaymentRepo,
		ledger:      p.Ledger,
		outboxRepo:  p.OutboxRepo,
		metrics:     p.Metrics,
	}
}

// Apply dispatches one canonical event against the subscription identified
// by its lineage key. Events for the same lineage serialize on the row
// lock taken by FindLiveByLineageForUpdate.
func (r *Reconciler) Apply(ctx context.Context, tx *gorm.DB, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	sub, err := r.repo.FindLiveByLineageForUpdate(ctx, tx, event.Provider, event.LineageKey)
	if err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	switch event.Type {
	case providerdomain.EventPurchased:
		result, err = r.applyPurchased(ctx, tx, sub, event)
	case providerdomain.EventRenewed:
		result, err = r.applyRenewed(ctx, tx, sub, event)
	case providerdomain.EventRenewalFailed:
		result, err = r.applyRenewalFailed(ctx, tx, sub, event)
	case providerdomain.EventGraceExpired:
		result, err = r.applyTerminal(ctx, tx, sub, event, subscriptiondomain.SubscriptionStatusExpired, outboxdomain.TopicSubscriptionExpired)
	case providerdomain.EventExpired:
		result, err = r.applyTerminal(ctx, tx, sub, event, subscriptiondomain.SubscriptionStatusExpired, outboxdomain.TopicSubscriptionExpired)
	case providerdomain.EventRefunded:
		result, err = r.applyRefunded(ctx, tx, sub, event)
	case providerdomain.EventRevoked:
		result, err = r.applyTerminal(ctx, tx, sub, event, subscriptiondomain.SubscriptionStatusCancelled, outboxdomain.TopicSubscriptionCancelled)
	case providerdomain.EventRenewalStatusChanged:
		result, err = r.applyRenewalStatusChanged(ctx, tx, sub, event)
	case providerdomain.EventPlanChanged:
		result, err = r.applyPlanChanged(ctx, tx, sub, event)
	default:
		return ApplyResult{}, providerdomain.ErrEventIgnored
	}
	if err != nil {
		return ApplyResult{}, err
	}

	if result.Outcome == OutcomeApplied && r.metrics != nil {
		status := ""
		if result.Subscription != nil {
			status = string(result.Subscription.Status)
		}
		r.metrics.ReconcileTransitions.WithLabelValues(string(event.Type), status).Inc()
	}
	return result, nil
}

func (r *Reconciler) applyPurchased(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	// A purchase event for an already-live lineage is a replayed or
	// restarted purchase (e.g. Apple resubscribe before expiry); treat it
	// as a renewal rather than forking the lineage.
	if sub != nil {
		return r.applyRenewed(ctx, tx, sub, event)
	}

	if event.UserID == 0 {
		return ApplyResult{}, providerdomain.ErrInvalidUser
	}

	plan, err := r.resolvePlan(ctx, tx, event)
	if err != nil {
		return ApplyResult{}, err
	}

	now := r.clock.Now(ctx)

	// Creating a new live lineage atomically retires any other live
	// subscription of the same user. Concurrent purchases on different
	// lineages can both pass this check; the partial unique index on
	// live rows fails one of the inserts, and the redelivered event then
	// sees the winner and retires it here.
	others, err := r.repo.FindLiveByUserForUpdate(ctx, tx, event.UserID)
	if err != nil {
		return ApplyResult{}, err
	}
	for i := range others {
		other := others[i]
		other.Status = subscriptiondomain.SubscriptionStatusCancelled
		other.LastVerifiedAt = now
		other.UpdatedAt = now
		if err := r.repo.Update(ctx, tx, &other); err != nil {
			return ApplyResult{}, err
		}
		r.log.Info("retired superseded subscription",
			zap.String("subscription_id", other.ID.String()),
			zap.String("user_id", event.UserID.String()))
	}

	periodStart := event.OccurredAt
	periodEnd := r.periodEnd(event, periodStart, periodStart)

	status := subscriptiondomain.SubscriptionStatusActive
	var trialStart, trialEnd *time.Time
	if event.IsTrial {
		status = subscriptiondomain.SubscriptionStatusTrialing
		ts := periodStart
		te := periodEnd
		trialStart = &ts
		trialEnd = &te
	}

	created := subscriptiondomain.Subscription{
		ID:                 r.genID.Generate(),
		UserID:             event.UserID,
		PlanID:             plan.ID,
		Provider:           event.Provider,
		LineageKey:         event.LineageKey,
		Status:             status,
		Interval:           intervalFor(periodStart, periodEnd),
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
		TrialStart:         trialStart,
		TrialEnd:           trialEnd,
		LastVerifiedAt:     now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.repo.Insert(ctx, tx, &created); err != nil {
		return ApplyResult{}, err
	}

	if err := r.recordPayment(ctx, tx, &created, event, now); err != nil {
		return ApplyResult{}, err
	}

	if err := r.userRepo.UpdateTier(ctx, tx, event.UserID, plan.Tier, now); err != nil {
		return ApplyResult{}, err
	}

	if err := r.enqueue(ctx, tx, outboxdomain.TopicSubscriptionActivated, &created, now); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: OutcomeApplied, Subscription: &created}, nil
}

func (r *Reconciler) applyRenewed(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	if sub == nil {
		return ApplyResult{}, subscriptiondomain.ErrLineageNotFound
	}

	now := r.clock.Now(ctx)
	newEnd := r.periodEnd(event, sub.CurrentPeriodEnd, now)

	// Ordering guard: a late-arriving stale renewal must not overwrite a
	// newer period. Older events are accepted only when they do not
	// regress current_period_end.
	if event.OccurredAt.Before(sub.LastVerifiedAt) && newEnd.Before(sub.CurrentPeriodEnd) {
		r.log.Warn("skipping stale renewal",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("event_occurred_at", event.OccurredAt),
			zap.Time("last_verified_at", sub.LastVerifiedAt))
		return ApplyResult{Outcome: OutcomeSkippedStale, Subscription: sub}, nil
	}
	if newEnd.Before(sub.CurrentPeriodEnd) {
		newEnd = sub.CurrentPeriodEnd
	}

	sub.Status = subscriptiondomain.SubscriptionStatusActive
	sub.CurrentPeriodStart = latest(sub.CurrentPeriodStart, event.OccurredAt)
	sub.CurrentPeriodEnd = newEnd
	sub.GracePeriodEnd = nil
	sub.LastVerifiedAt = now
	sub.UpdatedAt = now
	if err := r.repo.Update(ctx, tx, sub); err != nil {
		return ApplyResult{}, err
	}

	if err := r.recordPayment(ctx, tx, sub, event, now); err != nil {
		return ApplyResult{}, err
	}

	// Renewal restores access that a grace/past-due window may have
	// suspended downstream; re-assert the plan tier.
	plan, err := r.planRepo.FindByID(ctx, tx, sub.PlanID)
	if err != nil {
		return ApplyResult{}, err
	}
	if plan != nil {
		if err := r.userRepo.UpdateTier(ctx, tx, sub.UserID, plan.Tier, now); err != nil {
			return ApplyResult{}, err
		}
	}

	if err := r.enqueue(ctx, tx, outboxdomain.TopicSubscriptionRenewed, sub, now); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: OutcomeApplied, Subscription: sub}, nil
}

func (r *Reconciler) applyRenewalFailed(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	if sub == nil {
		return ApplyResult{}, subscriptiondomain.ErrLineageNotFound
	}
	if sub.Status != subscriptiondomain.SubscriptionStatusActive &&
		sub.Status != subscriptiondomain.SubscriptionStatusTrialing {
		// Already past due or in grace; the provider will keep us posted.
		return ApplyResult{Outcome: OutcomeNoop, Subscription: sub}, nil
	}

	now := r.clock.Now(ctx)

	// Access is retained through the grace window; the period itself is
	// not shortened here. Providers open their billing retry before the
	// period ends, so an early failure enters GRACE_PERIOD directly;
	// PAST_DUE marks failures that arrive after expiry.
	if sub.CurrentPeriodEnd.After(now) {
		sub.Status = subscriptiondomain.SubscriptionStatusGracePeriod
	} else {
		sub.Status = subscriptiondomain.SubscriptionStatusPastDue
	}
	grace := latest(sub.CurrentPeriodEnd, now).Add(graceWindow)
	sub.GracePeriodEnd = &grace
	sub.LastVerifiedAt = now
	sub.UpdatedAt = now
	if err := r.repo.Update(ctx, tx, sub); err != nil {
		return ApplyResult{}, err
	}

	if err := r.enqueue(ctx, tx, outboxdomain.TopicSubscriptionPastDue, sub, now); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: OutcomeApplied, Subscription: sub}, nil
}

func (r *Reconciler) applyTerminal(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent, status subscriptiondomain.SubscriptionStatus, topic string) (ApplyResult, error) {
	if sub == nil {
		// The lineage is already terminal (or never existed); nothing to
		// transition. The idempotency record is still written upstream.
		return ApplyResult{Outcome: OutcomeNoop}, nil
	}

	now := r.clock.Now(ctx)
	sub.Status = status
	sub.GracePeriodEnd = nil
	sub.LastVerifiedAt = now
	sub.UpdatedAt = now
	if err := r.repo.Update(ctx, tx, sub); err != nil {
		return ApplyResult{}, err
	}

	if err := r.userRepo.UpdateTier(ctx, tx, sub.UserID, plandomain.TierFree, now); err != nil {
		return ApplyResult{}, err
	}

	if err := r.enqueue(ctx, tx, topic, sub, now); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: OutcomeApplied, Subscription: sub}, nil
}

func (r *Reconciler) applyRefunded(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	now := r.clock.Now(ctx)

	// Reconcile the money side first: pending Apple/Google refunds flip
	// to SUCCEEDED, provider-initiated refunds get ledgered.
	if event.ProviderPaymentID != "" {
		err := r.ledger.ReconcileProviderRefund(ctx, tx, event.Provider, event.ProviderPaymentID, event.Amount, event.ProviderEventID, now)
		if err != nil && err != paymentdomain.ErrPaymentNotFound {
			return ApplyResult{}, err
		}
	}

	// A refund may arrive without lineage context (Stripe charge events);
	// fall back to the refunded payment's subscription.
	if sub == nil && event.ProviderPaymentID != "" {
		payment, err := r.paymentRepo.FindByProviderPaymentID(ctx, tx, event.Provider, event.ProviderPaymentID)
		if err != nil {
			return ApplyResult{}, err
		}
		if payment != nil && payment.SubscriptionID != nil {
			found, err := r.repo.FindByID(ctx, tx, *payment.SubscriptionID)
			if err != nil {
				return ApplyResult{}, err
			}
			if found != nil && found.Status.IsLive() {
				sub = found
			}
		}
	}

	if sub == nil {
		return ApplyResult{Outcome: OutcomeNoop}, nil
	}

	sub.Status = subscriptiondomain.SubscriptionStatusCancelled
	sub.GracePeriodEnd = nil
	sub.LastVerifiedAt = now
	sub.UpdatedAt = now
	if err := r.repo.Update(ctx, tx, sub); err != nil {
		return ApplyResult{}, err
	}

	if err := r.userRepo.UpdateTier(ctx, tx, sub.UserID, plandomain.TierFree, now); err != nil {
		return ApplyResult{}, err
	}

	if err := r.enqueue(ctx, tx, outboxdomain.TopicPaymentRefunded, sub, now); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: OutcomeApplied, Subscription: sub}, nil
}

func (r *Reconciler) applyRenewalStatusChanged(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	if sub == nil {
		return ApplyResult{}, subscriptiondomain.ErrLineageNotFound
	}

	now := r.clock.Now(ctx)
	changed := false

	if event.AutoRenewEnabled != nil {
		cancelAtPeriodEnd := !*event.AutoRenewEnabled
		if sub.CancelAtPeriodEnd != cancelAtPeriodEnd {
			sub.CancelAtPeriodEnd = cancelAtPeriodEnd
			changed = true
		}
	}

	// Stripe folds plan swaps and period extensions into the same update
	// event; apply both without touching the status.
	if event.ProductID != "" {
		plan, err := r.planRepo.FindByProviderProduct(ctx, tx, event.Provider, event.ProductID)
		if err != nil {
			return ApplyResult{}, err
		}
		if plan != nil && plan.ID != sub.PlanID {
			sub.PlanID = plan.ID
			changed = true
			if err := r.userRepo.UpdateTier(ctx, tx, sub.UserID, plan.Tier, now); err != nil {
				return ApplyResult{}, err
			}
		}
	}
	if event.ExpiresAt != nil && event.ExpiresAt.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = event.ExpiresAt.UTC()
		changed = true
	}

	if !changed {
		return ApplyResult{Outcome: OutcomeNoop, Subscription: sub}, nil
	}

	sub.LastVerifiedAt = now
	sub.UpdatedAt = now
	if err := r.repo.Update(ctx, tx, sub); err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Outcome: OutcomeApplied, Subscription: sub}, nil
}

func (r *Reconciler) applyPlanChanged(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent) (ApplyResult, error) {
	if sub == nil {
		return ApplyResult{}, subscriptiondomain.ErrLineageNotFound
	}

	plan, err := r.resolvePlan(ctx, tx, event)
	if err != nil {
		return ApplyResult{}, err
	}
	if plan.ID == sub.PlanID {
		return ApplyResult{Outcome: OutcomeNoop, Subscription: sub}, nil
	}

	now := r.clock.Now(ctx)
	sub.PlanID = plan.ID
	sub.LastVerifiedAt = now
	sub.UpdatedAt = now
	if err := r.repo.Update(ctx, tx, sub); err != nil {
		return ApplyResult{}, err
	}

	if err := r.userRepo.UpdateTier(ctx, tx, sub.UserID, plan.Tier, now); err != nil {
		return ApplyResult{}, err
	}

	return ApplyResult{Outcome: OutcomeApplied, Subscription: sub}, nil
}

func (r *Reconciler) resolvePlan(ctx context.Context, tx *gorm.DB, event *providerdomain.ProviderEvent) (*plandomain.Plan, error) {
	plan, err := r.planRepo.FindByProviderProduct(ctx, tx, event.Provider, event.ProductID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		r.log.Error("no plan mapping for provider product",
			zap.String("provider", event.Provider),
			zap.String("product_id", event.ProductID))
		return nil, plandomain.ErrUnknownProduct
	}
	return plan, nil
}

// periodEnd resolves the new period end from the event expiry, falling
// back to one billing interval past the anchor when the provider does not
// carry an expiry (Google RTDNs, manual extends without a date).
func (r *Reconciler) periodEnd(event *providerdomain.ProviderEvent, anchor, now time.Time) time.Time {
	if event.ExpiresAt != nil && !event.ExpiresAt.IsZero() {
		return event.ExpiresAt.UTC()
	}
	base := latest(anchor, now)
	return base.AddDate(0, 1, 0)
}

func (r *Reconciler) recordPayment(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, event *providerdomain.ProviderEvent, now time.Time) error {
	if event.Amount <= 0 || event.ProviderPaymentID == "" {
		return nil
	}

	existing, err := r.paymentRepo.FindByProviderPaymentID(ctx, tx, event.Provider, event.ProviderPaymentID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	subID := sub.ID
	payment := paymentdomain.Payment{
		ID:                r.genID.Generate(),
		UserID:            sub.UserID,
		SubscriptionID:    &subID,
		Provider:          event.Provider,
		ProviderPaymentID: event.ProviderPaymentID,
		Amount:            event.Amount,
		Currency:          event.Currency,
		Status:            paymentdomain.PaymentStatusCompleted,
		OccurredAt:        event.OccurredAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return r.paymentRepo.Insert(ctx, tx, &payment)
}

func (r *Reconciler) enqueue(ctx context.Context, tx *gorm.DB, topic string, sub *subscriptiondomain.Subscription, now time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"subscription_id":    sub.ID.String(),
		"user_id":            sub.UserID.String(),
		"status":             sub.Status,
		"current_period_end": sub.CurrentPeriodEnd,
	})
	if err != nil {
		return err
	}
	return r.outboxRepo.Enqueue(ctx, tx, &outboxdomain.Message{
		ID:          r.genID.Generate(),
		MessageUUID: uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Status:      outboxdomain.MessageStatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func intervalFor(start, end time.Time) plandomain.BillingInterval {
	if end.Sub(start) > yearlyIntervalCutoff {
		return plandomain.IntervalYearly
	}
	return plandomain.IntervalMonthly
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
