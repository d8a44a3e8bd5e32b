package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	redislib "github.com/redis/go-redis/v9"
	"github.com/serenitylabs/serenity/internal/clock"
	deadletterdomain "github.com/serenitylabs/serenity/internal/deadletter/domain"
	"github.com/serenitylabs/serenity/internal/metrics"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	"github.com/serenitylabs/serenity/internal/providers"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	"github.com/serenitylabs/serenity/internal/subscription/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// dedupTTL bounds the Redis fast-path cache. The idempotency table is the
// durable guarantee; the cache only absorbs retry storms.
const dedupTTL = 48 * time.Hour

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeParked    Outcome = "parked"
	OutcomeStale     Outcome = "stale"
)

type GateParams struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Registry       *providers.Registry
	Reconciler     *service.Reconciler
	SubRepo        subscriptiondomain.Repository
	DeadLetterRepo deadletterdomain.Repository
	Redis          *redislib.Client `optional:"true"`
	Metrics        *metrics.Metrics
}

// Gate is the single entry point for provider webhook deliveries. It
// verifies transport authenticity, enforces exactly-once processing via
// the idempotency table, and hands the canonical event to the
// reconciliation engine inside one transaction.
type Gate struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	registry       *providers.Registry
	reconciler     *service.Reconciler
	subRepo        subscriptiondomain.Repository
	deadLetterRepo deadletterdomain.Repository
	redis          *redislib.Client
	metrics        *metrics.Metrics
}

func NewGate(p GateParams) *Gate {
	return &Gate{
		db:             p.DB,
		log:            p.Log.Named("webhook.gate"),
		genID:          p.GenID,
		clock:          p.Clock,
		registry:       p.Registry,
		reconciler:     p.Reconciler,
		subRepo:        p.SubRepo,
		deadLetterRepo: p.DeadLetterRepo,
		redis:          p.Redis,
		metrics:        p.Metrics,
	}
}

// Process runs one delivery through verify, parse, dedup and reconcile.
// Errors returned to the caller map to non-2xx responses, which make the
// provider redeliver; anything handled terminally (duplicates, ignored
// types, parked events) returns a nil error so redelivery stops.
func (g *Gate) Process(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error) {
	adapter, ok := g.registry.Get(provider)
	if !ok {
		return "", providerdomain.ErrProviderNotFound
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		g.count(provider, "rejected_signature")
		return "", err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, providerdomain.ErrEventIgnored) {
			g.count(provider, string(OutcomeIgnored))
			return OutcomeIgnored, nil
		}
		g.count(provider, "rejected_payload")
		return "", err
	}

	outcome, err := g.Apply(ctx, event)
	if err != nil {
		g.count(provider, "error")
		return "", err
	}
	g.count(provider, string(outcome))
	return outcome, nil
}

// Apply runs an already-parsed canonical event through the idempotency
// gate and the engine. The Apple receipt verification endpoint uses this
// directly since its events do not arrive over a webhook.
func (g *Gate) Apply(ctx context.Context, event *providerdomain.ProviderEvent) (Outcome, error) {
	dedupKey := event.DedupKey()

	if g.seenInCache(ctx, dedupKey) {
		return OutcomeDuplicate, nil
	}

	now := g.clock.Now(ctx)
	var result service.ApplyResult
	outcome := OutcomeProcessed

	err := g.db.Transaction(func(tx *gorm.DB) error {
		existing, err := g.subRepo.FindIdempotencyRecord(ctx, tx, dedupKey)
		if err != nil {
			return err
		}
		if existing != nil {
			outcome = OutcomeDuplicate
			return nil
		}

		record := subscriptiondomain.IdempotencyRecord{
			ID:          g.genID.Generate(),
			Provider:    event.Provider,
			DedupKey:    dedupKey,
			ProcessedAt: now,
		}
		if err := g.subRepo.InsertIdempotencyRecord(ctx, tx, &record); err != nil {
			// A concurrent delivery won the insert race; its transaction
			// owns the transition.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				outcome = OutcomeDuplicate
				return nil
			}
			return err
		}

		result, err = g.reconciler.Apply(ctx, tx, event)
		return err
	})

	if err != nil {
		if reason, parkable := parkReason(err); parkable {
			if parkErr := g.park(ctx, event, reason, err.Error(), now); parkErr != nil {
				return "", parkErr
			}
			return OutcomeParked, nil
		}
		return "", err
	}

	if outcome == OutcomeDuplicate {
		return OutcomeDuplicate, nil
	}
	if result.Outcome == service.OutcomeSkippedStale {
		outcome = OutcomeStale
	}

	g.cacheSeen(ctx, dedupKey)
	return outcome, nil
}

// parkReason classifies errors that must not trigger provider redelivery:
// redelivering cannot fix a missing plan mapping or an unknown lineage,
// so the event is parked for operator review instead.
func parkReason(err error) (string, bool) {
	switch {
	case errors.Is(err, plandomain.ErrUnknownProduct):
		return deadletterdomain.ReasonUnknownProduct, true
	case errors.Is(err, subscriptiondomain.ErrLineageNotFound):
		return deadletterdomain.ReasonUnknownLineage, true
	case errors.Is(err, providerdomain.ErrInvalidUser):
		return deadletterdomain.ReasonUnknownUser, true
	default:
		// ErrIntegrity stays retryable on purpose: a purchase that lost
		// the live-row race succeeds on redelivery once it sees the
		// committed winner.
		return "", false
	}
}

// park records the idempotency row and the dead letter together, so a
// redelivered copy of a parked event dedups instead of parking twice.
func (g *Gate) park(ctx context.Context, event *providerdomain.ProviderEvent, reason, detail string, now time.Time) error {
	err := g.db.Transaction(func(tx *gorm.DB) error {
		record := subscriptiondomain.IdempotencyRecord{
			ID:          g.genID.Generate(),
			Provider:    event.Provider,
			DedupKey:    event.DedupKey(),
			ProcessedAt: now,
		}
		if err := g.subRepo.InsertIdempotencyRecord(ctx, tx, &record); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil
			}
			return err
		}
		return g.deadLetterRepo.Insert(ctx, tx, &deadletterdomain.DeadLetter{
			ID:              g.genID.Generate(),
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			EventType:       string(event.Type),
			Reason:          reason,
			Detail:          detail,
			Payload:         event.RawPayload,
			CreatedAt:       now,
		})
	})
	if err != nil {
		return err
	}

	g.log.Warn("event parked",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("reason", reason))
	if g.metrics != nil {
		g.metrics.DeadLetters.WithLabelValues(reason).Inc()
	}
	g.cacheSeen(ctx, event.DedupKey())
	return nil
}

func (g *Gate) seenInCache(ctx context.Context, dedupKey string) bool {
	if g.redis == nil {
		return false
	}
	n, err := g.redis.Exists(ctx, cacheKey(dedupKey)).Result()
	if err != nil {
		// Cache miss on error; the idempotency table still holds.
		g.log.Debug("redis dedup lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}

func (g *Gate) cacheSeen(ctx context.Context, dedupKey string) {
	if g.redis == nil {
		return
	}
	if err := g.redis.Set(ctx, cacheKey(dedupKey), "1", dedupTTL).Err(); err != nil {
		g.log.Debug("redis dedup store failed", zap.Error(err))
	}
}

func cacheKey(dedupKey string) string {
	return "webhook:seen:" + dedupKey
}

func (g *Gate) count(provider, outcome string) {
	if g.metrics != nil {
		g.metrics.WebhookEvents.WithLabelValues(provider, outcome).Inc()
	}
}

var Module = fx.Module("webhook",
	fx.Provide(NewGate),
)
