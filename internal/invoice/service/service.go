package service

import (
	"context"
	"encoding/json"
	"math"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/serenitylabs/serenity/internal/clock"
	invoicedomain "github.com/serenitylabs/serenity/internal/invoice/domain"
	paymentdomain "github.com/serenitylabs/serenity/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service derives billing documents from settled payments or explicit
// line items. Derivation is one-way: invoices never feed back into
// reconciliation.
type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        invoicedomain.Repository
	paymentRepo paymentdomain.Repository
}

func New(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock, repo invoicedomain.Repository, paymentRepo paymentdomain.Repository) *Service {
	return &Service{
		db:          db,
		log:         log.Named("invoice"),
		genID:       genID,
		clock:       clk,
		repo:        repo,
		paymentRepo: paymentRepo,
	}
}

type CreateInput struct {
	UserID         snowflake.ID
	PaymentID      *snowflake.ID
	SubscriptionID *snowflake.ID
	Currency       string
	Lines          []invoicedomain.LineItem
	TaxRate        float64
	DiscountAmount int64
	Paid           bool
}

// DeriveFromPayment issues the invoice for a settled payment. Calling it
// twice for the same payment returns the existing document instead of
// issuing a second number.
func (s *Service) DeriveFromPayment(ctx context.Context, paymentID snowflake.ID) (*invoicedomain.Invoice, error) {
	payment, err := s.paymentRepo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}

	existing, err := s.repo.FindByPaymentID(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	pid := payment.ID
	return s.Create(ctx, CreateInput{
		UserID:         payment.UserID,
		PaymentID:      &pid,
		SubscriptionID: payment.SubscriptionID,
		Currency:       payment.Currency,
		Lines: []invoicedomain.LineItem{{
			Description: "Subscription charge",
			Quantity:    1,
			UnitPrice:   payment.Amount,
		}},
		Paid: payment.Status == paymentdomain.PaymentStatusCompleted,
	})
}

// Create computes and freezes all amounts. Later tax configuration
// changes never touch an issued invoice.
func (s *Service) Create(ctx context.Context, in CreateInput) (*invoicedomain.Invoice, error) {
	if len(in.Lines) == 0 {
		return nil, invoicedomain.ErrInvoiceEmpty
	}
	if in.TaxRate < 0 || in.DiscountAmount < 0 {
		return nil, invoicedomain.ErrInvalidInvoiceInput
	}

	var subtotal int64
	for _, line := range in.Lines {
		if line.Quantity <= 0 || line.UnitPrice < 0 {
			return nil, invoicedomain.ErrInvalidInvoiceInput
		}
		subtotal += line.Quantity * line.UnitPrice
	}

	taxAmount := int64(math.Round(float64(subtotal) * in.TaxRate))
	amountDue := subtotal + taxAmount - in.DiscountAmount
	if amountDue < 0 {
		amountDue = 0
	}

	lines, err := json.Marshal(in.Lines)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now(ctx)
	status := invoicedomain.InvoiceStatusOpen
	if in.Paid {
		status = invoicedomain.InvoiceStatusPaid
	}

	invoice := invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		Number:         "INV-" + ulid.Make().String(),
		UserID:         in.UserID,
		PaymentID:      in.PaymentID,
		SubscriptionID: in.SubscriptionID,
		Status:         status,
		Currency:       in.Currency,
		Lines:          lines,
		Subtotal:       subtotal,
		TaxRate:        in.TaxRate,
		TaxAmount:      taxAmount,
		DiscountAmount: in.DiscountAmount,
		AmountDue:      amountDue,
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, &invoice); err != nil {
		return nil, err
	}

	s.log.Info("invoice issued",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("number", invoice.Number),
		zap.Int64("amount_due", invoice.AmountDue))
	return &invoice, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

// Void closes an open invoice. Paid and already-void invoices cannot be
// voided; the number is never reissued.
func (s *Service) Void(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice *invoicedomain.Invoice
	err := s.db.Transaction(func(tx *gorm.DB) error {
		found, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if found == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if found.Status == invoicedomain.InvoiceStatusPaid || found.Status == invoicedomain.InvoiceStatusVoid {
			return invoicedomain.ErrInvoiceNotVoidable
		}

		now := s.clock.Now(ctx)
		found.Status = invoicedomain.InvoiceStatusVoid
		found.VoidedAt = &now
		found.UpdatedAt = now
		invoice = found
		return s.repo.UpdateStatus(ctx, tx, found)
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Service) ListByUser(ctx context.Context, userID snowflake.ID, limit int) ([]invoicedomain.Invoice, error) {
	return s.repo.ListByUser(ctx, s.db, userID, limit)
}
