package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	outboxdomain "github.com/serenitylabs/serenity/internal/outbox/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() outboxdomain.Repository {
	return &repo{}
}

func (r *repo) Enqueue(ctx context.Context, tx *gorm.DB, msg *outboxdomain.Message) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_messages (
			id, message_uuid, topic, payload, status, attempts,
			available_at, sent_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.MessageUUID,
		msg.Topic,
		msg.Payload,
		msg.Status,
		msg.Attempts,
		msg.AvailableAt,
		msg.SentAt,
		msg.CreatedAt,
		msg.UpdatedAt,
	).Error
}

func (r *repo) FetchPending(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]outboxdomain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []outboxdomain.Message
	err := tx.WithContext(ctx).
		Where("status = ? AND available_at <= ?", outboxdomain.MessageStatusPending, now).
		Order("available_at ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *repo) MarkSent(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE outbox_messages SET status = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
		outboxdomain.MessageStatusSent,
		now,
		now,
		id,
	).Error
}

func (r *repo) MarkAttemptFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, nextAttempt time.Time, failed bool, now time.Time) error {
	status := outboxdomain.MessageStatusPending
	if failed {
		status = outboxdomain.MessageStatusFailed
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE outbox_messages
		 SET status = ?, attempts = attempts + 1, available_at = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		nextAttempt,
		now,
		id,
	).Error
}
