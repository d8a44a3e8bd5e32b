package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() paymentdomain.Repository {
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

func (r *repo) Insert(ctx context.Context, tx *gorm.DB, p *paymentdomain.Payment) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO payments (
			id, user_id, subscription_id, provider, provider_payment_id,
			amount, currency, refunded_amount, status, occurred_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID,
		p.UserID,
		p.SubscriptionID,
		p.Provider,
		p.ProviderPaymentID,
		p.Amount,
		p.Currency,
		p.RefundedAmount,
		p.Status,
		p.OccurredAt,
		p.CreatedAt,
		p.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	var p paymentdomain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE id = ?`, id,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*paymentdomain.Payment, error) {
	var p paymentdomain.Payment
	err := forUpdate(tx.WithContext(ctx)).
		Where("id = ?", id).
		Limit(1).
		Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) FindByProviderPaymentID(ctx context.Context, tx *gorm.DB, provider, providerPaymentID string) (*paymentdomain.Payment, error) {
	providerPaymentID = strings.TrimSpace(providerPaymentID)
	if providerPaymentID == "" {
		return nil, nil
	}
	var p paymentdomain.Payment
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM payments WHERE provider = ? AND provider_payment_id = ? ORDER BY occurred_at DESC LIMIT 1`,
		provider, providerPaymentID,
	).Scan(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *repo) UpdateRefundState(ctx context.Context, tx *gorm.DB, p *paymentdomain.Payment) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE payments SET refunded_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.RefundedAmount,
		p.Status,
		p.UpdatedAt,
		p.ID,
	).Error
}

func (r *repo) InsertRefund(ctx context.Context, tx *gorm.DB, refund *paymentdomain.Refund) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO refunds (
			id, payment_id, amount, currency, provider, provider_refund_id,
			initiator, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		refund.ID,
		refund.PaymentID,
		refund.Amount,
		refund.Currency,
		refund.Provider,
		refund.ProviderRefundID,
		refund.Initiator,
		refund.Status,
		refund.CreatedAt,
		refund.UpdatedAt,
	).Error
}

func (r *repo) ListRefundsByPayment(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) ([]paymentdomain.Refund, error) {
	var refunds []paymentdomain.Refund
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM refunds WHERE payment_id = ? ORDER BY created_at ASC`,
		paymentID,
	).Scan(&refunds).Error
	if err != nil {
		return nil, err
	}
	return refunds, nil
}

func (r *repo) MarkPendingRefundsSucceeded(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, providerRefundID string, now time.Time) (int64, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE refunds
		 SET status = ?, provider_refund_id = ?, updated_at = ?
		 WHERE payment_id = ? AND status = ?`,
		paymentdomain.RefundStatusSucceeded,
		providerRefundID,
		now,
		paymentID,
		paymentdomain.RefundStatusPending,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
