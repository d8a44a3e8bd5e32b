package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	userdomain "github.com/serenitylabs/serenity/internal/user/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() userdomain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*userdomain.User, error) {
	var u userdomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM users WHERE id = ?`, id,
	).Scan(&u).Error
	if err != nil {
		return nil, err
	}
	if u.ID == 0 {
		return nil, nil
	}
	return &u, nil
}

func (r *repo) UpdateTier(ctx context.Context, tx *gorm.DB, id snowflake.ID, tier plandomain.Tier, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE users SET subscription_tier = ?, updated_at = ? WHERE id = ?`,
		tier, now, id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return userdomain.ErrUserNotFound
	}
	return nil
}
