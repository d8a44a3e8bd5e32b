package repository

import (
	"context"

	deadletterdomain "github.com/serenitylabs/serenity/internal/deadletter/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() deadletterdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, letter *deadletterdomain.DeadLetter) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO dead_letters (
			id, provider, provider_event_id, event_type, reason, detail,
			payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		letter.ID,
		letter.Provider,
		letter.ProviderEventID,
		letter.EventType,
		letter.Reason,
		letter.Detail,
		letter.Payload,
		letter.CreatedAt,
	).Error
}

func (r *repo) List(ctx context.Context, tx *gorm.DB, limit int) ([]deadletterdomain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	var letters []deadletterdomain.DeadLetter
	err := tx.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&letters).Error
	if err != nil {
		return nil, err
	}
	return letters, nil
}
