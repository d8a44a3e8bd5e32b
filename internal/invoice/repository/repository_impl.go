package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/serenitylabs/serenity/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO invoices (
			id, number, user_id, payment_id, subscription_id, status, currency,
			lines, subtotal, tax_rate, tax_amount, discount_amount, amount_due,
			issued_at, voided_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.Number,
		invoice.UserID,
		invoice.PaymentID,
		invoice.SubscriptionID,
		invoice.Status,
		invoice.Currency,
		invoice.Lines,
		invoice.Subtotal,
		invoice.TaxRate,
		invoice.TaxAmount,
		invoice.DiscountAmount,
		invoice.AmountDue,
		invoice.IssuedAt,
		invoice.VoidedAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE id = ?`, id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindByPaymentID(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE payment_id = ? ORDER BY created_at ASC LIMIT 1`,
		paymentID,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) UpdateStatus(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, voided_at = ?, updated_at = ? WHERE id = ?`,
		invoice.Status,
		invoice.VoidedAt,
		invoice.UpdatedAt,
		invoice.ID,
	).Error
}

func (r *repo) ListByUser(ctx context.Context, tx *gorm.DB, userID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM invoices WHERE user_id = ? ORDER BY issued_at DESC LIMIT ?`,
		userID, limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
