package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type InvoiceStatus string

const (
	InvoiceStatusOpen InvoiceStatus = "OPEN"
	InvoiceStatusPaid InvoiceStatus = "PAID"
	InvoiceStatusVoid InvoiceStatus = "VOID"
)

var (
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceNotVoidable  = errors.New("invoice_not_voidable")
	ErrInvoiceEmpty        = errors.New("invoice_has_no_lines")
	ErrInvalidInvoiceInput = errors.New("invalid_invoice_input")
)

type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// Invoice is an append-only billing document. All amounts are computed
// once at creation and frozen; tax configuration changes never alter an
// issued invoice. Numbers are generated once and survive voiding.
type Invoice struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	Number         string         `json:"number" gorm:"type:text;not null;uniqueIndex"`
	UserID         snowflake.ID   `json:"user_id" gorm:"not null;index"`
	PaymentID      *snowflake.ID  `json:"payment_id" gorm:"index"`
	SubscriptionID *snowflake.ID  `json:"subscription_id"`
	Status         InvoiceStatus  `json:"status" gorm:"type:text;not null"`
	Currency       string         `json:"currency" gorm:"type:varchar(3);not null"`
	Lines          datatypes.JSON `json:"lines" gorm:"type:jsonb;not null"`
	Subtotal       int64          `json:"subtotal" gorm:"not null"`
	TaxRate        float64        `json:"tax_rate" gorm:"not null;default:0"`
	TaxAmount      int64          `json:"tax_amount" gorm:"not null;default:0"`
	DiscountAmount int64          `json:"discount_amount" gorm:"not null;default:0"`
	AmountDue      int64          `json:"amount_due" gorm:"not null"`
	IssuedAt       time.Time      `json:"issued_at" gorm:"not null"`
	VoidedAt       *time.Time     `json:"voided_at"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Invoice, error)
	FindByPaymentID(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (*Invoice, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, invoice *Invoice) error
	ListByUser(ctx context.Context, tx *gorm.DB, userID snowflake.ID, limit int) ([]Invoice, error)
}
