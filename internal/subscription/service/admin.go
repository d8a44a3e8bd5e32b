package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/serenitylabs/serenity/internal/clock"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	"github.com/serenitylabs/serenity/internal/providers/manual"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminService runs administrator-initiated grants through the same
// reconciliation path as provider webhooks, so manual subscriptions obey
// the same invariants (single live lineage, tier projection, outbox).
type AdminService struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       subscriptiondomain.Repository
	reconciler *Reconciler
}

func NewAdminService(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock, repo subscriptiondomain.Repository, reconciler *Reconciler) *AdminService {
	return &AdminService{
		db:         db,
		log:        log.Named("subscription.admin"),
		genID:      genID,
		clock:      clk,
		repo:       repo,
		reconciler: reconciler,
	}
}

func (s *AdminService) Grant(ctx context.Context, in manual.GrantInput) (*subscriptiondomain.Subscription, error) {
	event := manual.NewGrantEvent(in, s.clock.Now(ctx))
	return s.apply(ctx, event)
}

// Extend pushes the current period end of the user's manual grant. The
// engine keeps periods monotonic, so an earlier date is a no-op rather
// than a shortening.
func (s *AdminService) Extend(ctx context.Context, userID snowflake.ID, expiresAt time.Time) (*subscriptiondomain.Subscription, error) {
	lineage, err := s.manualLineage(ctx, userID)
	if err != nil {
		return nil, err
	}
	event := manual.NewExtendEvent(lineage, expiresAt, s.clock.Now(ctx))
	return s.apply(ctx, event)
}

func (s *AdminService) Revoke(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	lineage, err := s.manualLineage(ctx, userID)
	if err != nil {
		return nil, err
	}
	event := manual.NewRevokeEvent(lineage, s.clock.Now(ctx))
	return s.apply(ctx, event)
}

func (s *AdminService) manualLineage(ctx context.Context, userID snowflake.ID) (string, error) {
	sub, err := s.repo.FindLiveByUser(ctx, s.db, userID)
	if err != nil {
		return "", err
	}
	if sub == nil || sub.Provider != providerdomain.ProviderManual {
		return "", subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub.LineageKey, nil
}

func (s *AdminService) apply(ctx context.Context, event *providerdomain.ProviderEvent) (*subscriptiondomain.Subscription, error) {
	now := s.clock.Now(ctx)
	var result ApplyResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		record := subscriptiondomain.IdempotencyRecord{
			ID:          s.genID.Generate(),
			Provider:    event.Provider,
			DedupKey:    event.DedupKey(),
			ProcessedAt: now,
		}
		if err := s.repo.InsertIdempotencyRecord(ctx, tx, &record); err != nil {
			return err
		}
		var err error
		result, err = s.reconciler.Apply(ctx, tx, event)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("admin action applied",
		zap.String("event_type", string(event.Type)),
		zap.String("lineage_key", event.LineageKey))
	return result.Subscription, nil
}
