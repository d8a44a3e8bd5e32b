package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/config"
	outboxdomain "github.com/serenitylabs/serenity/internal/outbox/domain"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	"github.com/serenitylabs/serenity/internal/subscription/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sweepBatchSize     = 200
	dispatchMaxRetries = 8
	dispatchBaseDelay  = time.Minute
)

// Dispatcher delivers one outbox message to the outside world. Delivery
// is best-effort; reconciliation never waits on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *outboxdomain.Message) error
}

// LogDispatcher is the default sink when no broker is wired up. Messages
// are considered delivered once logged.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) Dispatcher {
	return &LogDispatcher{log: log.Named("outbox.dispatch")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, msg *outboxdomain.Message) error {
	d.log.Info("notification dispatched",
		zap.String("topic", msg.Topic),
		zap.String("message_uuid", msg.MessageUUID))
	return nil
}

// Scheduler runs the periodic jobs: the grace-period expiry sweep and the
// outbox drain. Both are safe to run on multiple instances since all
// mutations go through row locks and status predicates.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	subRepo    subscriptiondomain.Repository
	outboxRepo outboxdomain.Repository
	reconciler *service.Reconciler
	dispatcher Dispatcher

	cancel context.CancelFunc
	done   chan struct{}
}

func New(
	db *gorm.DB,
	log *zap.Logger,
	genID *snowflake.Node,
	clk clock.Clock,
	cfg config.Config,
	subRepo subscriptiondomain.Repository,
	outboxRepo outboxdomain.Repository,
	reconciler *service.Reconciler,
	dispatcher Dispatcher,
) *Scheduler {
	return &Scheduler{
		db:         db,
		log:        log.Named("scheduler"),
		genID:      genID,
		clock:      clk,
		cfg:        cfg,
		subRepo:    subRepo,
		outboxRepo: outboxRepo,
		reconciler: reconciler,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	interval := s.cfg.GraceSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepGraceExpired(ctx); err != nil {
				s.log.Error("grace sweep failed", zap.Error(err))
			}
			if err := s.DispatchOutbox(ctx); err != nil {
				s.log.Error("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// SweepGraceExpired expires live lineages whose grace window has lapsed.
// Each expiry is synthesized as a grace_expired event and run through the
// engine, so the sweep and the webhook path share one transition table.
func (s *Scheduler) SweepGraceExpired(ctx context.Context) error {
	now := s.clock.Now(ctx)

	overdue, err := s.subRepo.ListGraceExpired(ctx, s.db, now, sweepBatchSize)
	if err != nil {
		return err
	}

	for i := range overdue {
		sub := overdue[i]
		event := &providerdomain.ProviderEvent{
			Provider:        sub.Provider,
			ProviderEventID: "sweep-" + uuid.NewString(),
			Type:            providerdomain.EventGraceExpired,
			LineageKey:      sub.LineageKey,
			OccurredAt:      now,
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			record := subscriptiondomain.IdempotencyRecord{
				ID:          s.genID.Generate(),
				Provider:    sub.Provider,
				DedupKey:    event.DedupKey(),
				ProcessedAt: now,
			}
			if err := s.subRepo.InsertIdempotencyRecord(ctx, tx, &record); err != nil {
				return err
			}
			_, err := s.reconciler.Apply(ctx, tx, event)
			return err
		})
		if err != nil {
			s.log.Error("expiring overdue subscription",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
			continue
		}
		s.log.Info("expired overdue subscription",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("user_id", sub.UserID.String()))
	}
	return nil
}

// DispatchOutbox drains pending notification rows with bounded retry.
func (s *Scheduler) DispatchOutbox(ctx context.Context) error {
	now := s.clock.Now(ctx)
	batch := s.cfg.OutboxDispatchBatch
	if batch <= 0 {
		batch = 100
	}

	pending, err := s.outboxRepo.FetchPending(ctx, s.db, now, batch)
	if err != nil {
		return err
	}

	for i := range pending {
		msg := pending[i]
		if err := s.dispatcher.Dispatch(ctx, &msg); err != nil {
			exhausted := msg.Attempts+1 >= dispatchMaxRetries
			next := now.Add(dispatchBackoff(msg.Attempts + 1))
			if markErr := s.outboxRepo.MarkAttemptFailed(ctx, s.db, msg.ID, next, exhausted, now); markErr != nil {
				s.log.Error("marking outbox attempt failed", zap.Error(markErr))
			}
			s.log.Warn("outbox dispatch attempt failed",
				zap.String("message_uuid", msg.MessageUUID),
				zap.Int("attempts", msg.Attempts+1),
				zap.Bool("exhausted", exhausted),
				zap.Error(err))
			continue
		}
		if err := s.outboxRepo.MarkSent(ctx, s.db, msg.ID, now); err != nil {
			s.log.Error("marking outbox message sent", zap.Error(err))
		}
	}
	return nil
}

func dispatchBackoff(attempts int) time.Duration {
	delay := dispatchBaseDelay
	for i := 1; i < attempts && delay < time.Hour; i++ {
		delay *= 2
	}
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}

var Module = fx.Module("scheduler",
	fx.Provide(NewLogDispatcher),
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Scheduler) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
