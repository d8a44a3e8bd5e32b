package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type PaymentStatus string

const (
	PaymentStatusCompleted         PaymentStatus = "COMPLETED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "PENDING"
	RefundStatusSucceeded RefundStatus = "SUCCEEDED"
	RefundStatusFailed    RefundStatus = "FAILED"
)

type RefundInitiator string

const (
	RefundInitiatorUser     RefundInitiator = "USER"
	RefundInitiatorAdmin    RefundInitiator = "ADMIN"
	RefundInitiatorProvider RefundInitiator = "PROVIDER"
)

var (
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrAlreadyRefunded      = errors.New("already_refunded")
	ErrInvalidRefundAmount  = errors.New("invalid_refund_amount")
	ErrRefundExceedsPayment = errors.New("refund_exceeds_payment")
	ErrRefundProviderCall   = errors.New("refund_provider_call_failed")
)

// Payment is one settled or attempted charge. RefundedAmount never exceeds
// Amount; the refund ledger enforces the bound under a row lock.
type Payment struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID            snowflake.ID  `json:"user_id" gorm:"not null;index"`
	SubscriptionID    *snowflake.ID `json:"subscription_id" gorm:"index"`
	Provider          string        `json:"provider" gorm:"type:text;not null"`
	ProviderPaymentID string        `json:"provider_payment_id" gorm:"type:text;not null;index"`
	Amount            int64         `json:"amount" gorm:"not null"`
	Currency          string        `json:"currency" gorm:"type:varchar(3);not null"`
	RefundedAmount    int64         `json:"refunded_amount" gorm:"not null;default:0"`
	Status            PaymentStatus `json:"status" gorm:"type:text;not null"`
	OccurredAt        time.Time     `json:"occurred_at" gorm:"not null"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

type Refund struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	PaymentID        snowflake.ID    `json:"payment_id" gorm:"not null;index"`
	Amount           int64           `json:"amount" gorm:"not null"`
	Currency         string          `json:"currency" gorm:"type:varchar(3);not null"`
	Provider         string          `json:"provider" gorm:"type:text;not null"`
	ProviderRefundID string          `json:"provider_refund_id" gorm:"type:text"`
	Initiator        RefundInitiator `json:"initiator" gorm:"type:text;not null"`
	Status           RefundStatus    `json:"status" gorm:"type:text;not null"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"not null"`
}

func (Refund) TableName() string { return "refunds" }

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByProviderPaymentID(ctx context.Context, tx *gorm.DB, provider, providerPaymentID string) (*Payment, error)
	UpdateRefundState(ctx context.Context, tx *gorm.DB, payment *Payment) error
	InsertRefund(ctx context.Context, tx *gorm.DB, refund *Refund) error
	ListRefundsByPayment(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) ([]Refund, error)
	MarkPendingRefundsSucceeded(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, providerRefundID string, now time.Time) (int64, error)
}

// Ledger is the refund ledger surface other components depend on. The
// reconciliation engine uses ReconcileProviderRefund inside its own
// transaction when an inbound REFUND event arrives.
type Ledger interface {
	CreateRefund(ctx context.Context, req CreateRefundRequest) (*Refund, error)
	ReconcileProviderRefund(ctx context.Context, tx *gorm.DB, provider, providerPaymentID string, amount int64, providerEventID string, now time.Time) error
}

type CreateRefundRequest struct {
	PaymentID snowflake.ID
	// Amount is optional; nil means "refund the remaining refundable
	// amount". Requested amounts are clamped to the refundable remainder.
	Amount    *int64
	Initiator RefundInitiator
}
