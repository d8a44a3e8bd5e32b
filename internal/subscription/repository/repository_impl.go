package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/serenitylabs/serenity/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var liveStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.SubscriptionStatusTrialing,
	subscriptiondomain.SubscriptionStatusActive,
	subscriptiondomain.SubscriptionStatusPastDue,
	subscriptiondomain.SubscriptionStatusGracePeriod,
}

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

// forUpdate adds a row lock on engines that support it. SQLite is
// single-writer, so the lock clause is skipped there.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	err := tx.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, plan_id, provider, lineage_key, status, interval,
			current_period_start, current_period_end, trial_start, trial_end,
			grace_period_end, cancel_at_period_end, last_verified_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		sub.Provider,
		sub.LineageKey,
		sub.Status,
		sub.Interval,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.GracePeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.LastVerifiedAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
	// The partial unique index on (user_id) over live statuses rejects a
	// second live subscription raced in by a concurrent transaction.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return subscriptiondomain.ErrIntegrity
	}
	return err
}

func (r *repo) Update(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, status = ?, interval = ?,
		     current_period_start = ?, current_period_end = ?,
		     trial_start = ?, trial_end = ?, grace_period_end = ?,
		     cancel_at_period_end = ?, last_verified_at = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PlanID,
		sub.Status,
		sub.Interval,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialStart,
		sub.TrialEnd,
		sub.GracePeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.LastVerifiedAt,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindLiveByLineageForUpdate(ctx context.Context, tx *gorm.DB, provider, lineageKey string) (*subscriptiondomain.Subscription, error) {
	lineageKey = strings.TrimSpace(lineageKey)
	if lineageKey == "" {
		return nil, nil
	}
	var sub subscriptiondomain.Subscription
	err := forUpdate(tx.WithContext(ctx)).
		Where("provider = ? AND lineage_key = ? AND status IN ?", provider, lineageKey, liveStatuses).
		Order("created_at DESC").
		Limit(1).
		Find(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindLiveByUserForUpdate(ctx context.Context, tx *gorm.DB, userID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := forUpdate(tx.WithContext(ctx)).
		Where("user_id = ? AND status IN ?", userID, liveStatuses).
		Order("created_at ASC").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) FindLiveByUser(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, liveStatuses).
		Order("current_period_end DESC").
		Limit(1).
		Find(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) ListGraceExpired(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var subs []subscriptiondomain.Subscription
	err := tx.WithContext(ctx).
		Where("status IN ? AND grace_period_end IS NOT NULL AND grace_period_end < ?",
			[]subscriptiondomain.SubscriptionStatus{
				subscriptiondomain.SubscriptionStatusPastDue,
				subscriptiondomain.SubscriptionStatusGracePeriod,
			}, now).
		Order("grace_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) FindIdempotencyRecord(ctx context.Context, tx *gorm.DB, dedupKey string) (*subscriptiondomain.IdempotencyRecord, error) {
	var record subscriptiondomain.IdempotencyRecord
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM idempotency_records WHERE dedup_key = ?`, dedupKey,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) InsertIdempotencyRecord(ctx context.Context, tx *gorm.DB, record *subscriptiondomain.IdempotencyRecord) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (id, provider, dedup_key, processed_at)
		 VALUES (?, ?, ?, ?)`,
		record.ID,
		record.Provider,
		record.DedupKey,
		record.ProcessedAt,
	).Error
}
