package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/serenitylabs/serenity/internal/clock"
	"github.com/serenitylabs/serenity/internal/metrics"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	providerdomain "github.com/serenitylabs/serenity/internal/providers/domain"
	"github.com/serenitylabs/serenity/internal/providers/stripe"
	"go.uber.org/zap"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Ledger owns the refund side of the money trail. Every refund is a row
// in the refunds table and a bump of the payment's refunded_amount; the
// bound refunded_amount <= amount is enforced under the payment row lock.
type Ledger struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          paymentdomain.Repository
	stripeClient  *stripe.RefundClient
	retryAttempts uint64
	metrics       *metrics.Metrics
}

func NewLedger(
	db *gorm.DB,
	log *zap.Logger,
	genID *snowflake.Node,
	clk clock.Clock,
	repo paymentdomain.Repository,
	stripeClient *stripe.RefundClient,
	retryAttempts int,
	m *metrics.Metrics,
) *Ledger {
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &Ledger{
		db:            db,
		log:           log.Named("payment.refund"),
		genID:         genID,
		clock:         clk,
		repo:          repo,
		stripeClient:  stripeClient,
		retryAttempts: uint64(retryAttempts),
		metrics:       m,
	}
}

// CreateRefund handles user- and admin-initiated refunds. For Stripe the
// provider call happens outside any transaction; the ledger row is only
// written once Stripe confirms, carrying the confirmed amount and
// re-clamped under the row lock in case a provider-side refund landed
// in between.
func (l *Ledger) CreateRefund(ctx context.Context, req paymentdomain.CreateRefundRequest) (*paymentdomain.Refund, error) {
	now := l.clock.Now(ctx)

	var payment *paymentdomain.Payment
	var amount int64
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var err error
		payment, amount, err = l.validate(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	switch payment.Provider {
	case providerdomain.ProviderStripe:
		return l.refundStripe(ctx, payment, amount, req.Initiator, now)
	case providerdomain.ProviderManual:
		return l.settle(ctx, l.genID.Generate(), payment.ID, amount, req.Initiator, paymentdomain.RefundStatusSucceeded, "", now)
	default:
		// Apple and Google refunds can only be issued on the provider's
		// side. Record the intent as PENDING and count it against the
		// refundable remainder so concurrent requests cannot overshoot;
		// the inbound REFUND notification settles it.
		return l.settle(ctx, l.genID.Generate(), payment.ID, amount, req.Initiator, paymentdomain.RefundStatusPending, "", now)
	}
}

func (l *Ledger) validate(ctx context.Context, tx *gorm.DB, req paymentdomain.CreateRefundRequest) (*paymentdomain.Payment, int64, error) {
	payment, err := l.repo.FindByIDForUpdate(ctx, tx, req.PaymentID)
	if err != nil {
		return nil, 0, err
	}
	if payment == nil {
		return nil, 0, paymentdomain.ErrPaymentNotFound
	}

	remaining := payment.Amount - payment.RefundedAmount
	if remaining <= 0 {
		return nil, 0, paymentdomain.ErrAlreadyRefunded
	}

	amount := remaining
	if req.Amount != nil {
		amount = *req.Amount
		if amount <= 0 {
			return nil, 0, paymentdomain.ErrInvalidRefundAmount
		}
		if amount > payment.Amount {
			return nil, 0, paymentdomain.ErrRefundExceedsPayment
		}
		if amount > remaining {
			amount = remaining
		}
	}
	return payment, amount, nil
}

func (l *Ledger) refundStripe(ctx context.Context, payment *paymentdomain.Payment, amount int64, initiator paymentdomain.RefundInitiator, now time.Time) (*paymentdomain.Refund, error) {
	// The refund id doubles as the Stripe idempotency key: unique per
	// refund attempt but stable across the retries below, so transport
	// retries collapse while distinct refunds of the same amount do not.
	refundID := l.genID.Generate()

	var providerRefundID string
	var confirmed int64
	operation := func() error {
		var err error
		providerRefundID, confirmed, err = l.stripeClient.CreateRefund(ctx, payment.ProviderPaymentID, amount, "refund-"+refundID.String())
		if l.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			l.metrics.ProviderCalls.WithLabelValues(providerdomain.ProviderStripe, "refund", outcome).Inc()
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), l.retryAttempts)
	if err := backoff.Retry(operation, policy); err != nil {
		l.log.Error("stripe refund call exhausted retries",
			zap.String("payment_id", payment.ID.String()),
			zap.Int64("amount", amount),
			zap.Error(err))
		if _, recordErr := l.settle(ctx, refundID, payment.ID, amount, initiator, paymentdomain.RefundStatusFailed, "", now); recordErr != nil {
			l.log.Error("recording failed refund", zap.Error(recordErr))
		}
		return nil, paymentdomain.ErrRefundProviderCall
	}

	// Stripe's confirmed amount is the one that moved; ledger that, not
	// the request.
	applied := amount
	if confirmed > 0 {
		applied = confirmed
	}
	return l.settle(ctx, refundID, payment.ID, applied, initiator, paymentdomain.RefundStatusSucceeded, providerRefundID, now)
}

// settle writes the refund row and, unless the refund failed, bumps the
// payment's refunded_amount under the row lock, re-clamping to whatever
// remains refundable at commit time.
func (l *Ledger) settle(ctx context.Context, refundID snowflake.ID, paymentID snowflake.ID, amount int64, initiator paymentdomain.RefundInitiator, status paymentdomain.RefundStatus, providerRefundID string, now time.Time) (*paymentdomain.Refund, error) {
	var refund *paymentdomain.Refund
	err := l.db.Transaction(func(tx *gorm.DB) error {
		payment, err := l.repo.FindByIDForUpdate(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil {
			return paymentdomain.ErrPaymentNotFound
		}

		applied := amount
		if status != paymentdomain.RefundStatusFailed {
			remaining := payment.Amount - payment.RefundedAmount
			if remaining <= 0 {
				return paymentdomain.ErrAlreadyRefunded
			}
			if applied > remaining {
				applied = remaining
			}
			payment.RefundedAmount += applied
			payment.Status = paymentdomain.PaymentStatusPartiallyRefunded
			if payment.RefundedAmount >= payment.Amount {
				payment.Status = paymentdomain.PaymentStatusRefunded
			}
			payment.UpdatedAt = now
			if err := l.repo.UpdateRefundState(ctx, tx, payment); err != nil {
				return err
			}
		}

		refund = &paymentdomain.Refund{
			ID:               refundID,
			PaymentID:        payment.ID,
			Amount:           applied,
			Currency:         payment.Currency,
			Provider:         payment.Provider,
			ProviderRefundID: providerRefundID,
			Initiator:        initiator,
			Status:           status,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return l.repo.InsertRefund(ctx, tx, refund)
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// ReconcileProviderRefund absorbs an inbound REFUND notification into the
// ledger. Pending rows written by CreateRefund flip to SUCCEEDED; a refund
// we never initiated gets a fresh PROVIDER row for the delta. The amount
// from Stripe is the cumulative refunded total, so refunded_amount is
// raised to it rather than incremented.
func (l *Ledger) ReconcileProviderRefund(ctx context.Context, tx *gorm.DB, provider, providerPaymentID string, amount int64, providerEventID string, now time.Time) error {
	found, err := l.repo.FindByProviderPaymentID(ctx, tx, provider, providerPaymentID)
	if err != nil {
		return err
	}
	if found == nil {
		return paymentdomain.ErrPaymentNotFound
	}

	payment, err := l.repo.FindByIDForUpdate(ctx, tx, found.ID)
	if err != nil {
		return err
	}
	if payment == nil {
		return paymentdomain.ErrPaymentNotFound
	}

	flipped, err := l.repo.MarkPendingRefundsSucceeded(ctx, tx, payment.ID, providerEventID, now)
	if err != nil {
		return err
	}

	target := amount
	if target <= 0 || target > payment.Amount {
		target = payment.Amount
	}
	if target < payment.RefundedAmount {
		target = payment.RefundedAmount
	}
	delta := target - payment.RefundedAmount

	if delta > 0 && flipped == 0 {
		refund := paymentdomain.Refund{
			ID:               l.genID.Generate(),
			PaymentID:        payment.ID,
			Amount:           delta,
			Currency:         payment.Currency,
			Provider:         provider,
			ProviderRefundID: providerEventID,
			Initiator:        paymentdomain.RefundInitiatorProvider,
			Status:           paymentdomain.RefundStatusSucceeded,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := l.repo.InsertRefund(ctx, tx, &refund); err != nil {
			return err
		}
	}

	if delta > 0 || flipped > 0 {
		payment.RefundedAmount = target
		payment.Status = paymentdomain.PaymentStatusPartiallyRefunded
		if payment.RefundedAmount >= payment.Amount {
			payment.Status = paymentdomain.PaymentStatusRefunded
		}
		payment.UpdatedAt = now
		return l.repo.UpdateRefundState(ctx, tx, payment)
	}
	return nil
}

// ListRefunds returns the refund trail for one payment.
func (l *Ledger) ListRefunds(ctx context.Context, paymentID snowflake.ID) ([]paymentdomain.Refund, error) {
	return l.repo.ListRefundsByPayment(ctx, l.db, paymentID)
}
