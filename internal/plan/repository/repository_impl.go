package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/serenitylabs/serenity/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, p *plandomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (
			id, code, name, tier, monthly_price_cents, yearly_price_cents,
			currency, stripe_price_id, apple_product_id, google_product_id,
			active, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.Code,
		p.Name,
		p.Tier,
		p.MonthlyPriceCents,
		p.YearlyPriceCents,
		p.Currency,
		p.StripePriceID,
		p.AppleProductID,
		p.GoogleProductID,
		p.Active,
		p.Metadata,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*plandomain.Plan, error) {
	var p plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM plans WHERE id = ?`, id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	var p plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM plans WHERE code = ?`, strings.TrimSpace(code),
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindByProviderProduct(ctx context.Context, db *gorm.DB, provider, productID string) (*plandomain.Plan, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, nil
	}

	var column string
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "stripe":
		column = "stripe_price_id"
	case "apple":
		column = "apple_product_id"
	case "google":
		column = "google_product_id"
	case "manual":
		// Manual grants reference plans by code.
		return r.FindByCode(ctx, db, productID)
	default:
		return nil, nil
	}

	var p plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM plans WHERE `+column+` = ? AND active = true`, productID,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}
