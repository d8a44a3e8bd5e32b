package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageStatus string

const (
	MessageStatusPending MessageStatus = "PENDING"
	MessageStatusSent    MessageStatus = "SENT"
	MessageStatusFailed  MessageStatus = "FAILED"
)

const (
	TopicSubscriptionActivated = "subscription.activated"
	TopicSubscriptionRenewed   = "subscription.renewed"
	TopicSubscriptionPastDue   = "subscription.past_due"
	TopicSubscriptionExpired   = "subscription.expired"
	TopicSubscriptionCancelled = "subscription.cancelled"
	TopicPaymentRefunded       = "payment.refunded"
)

// Message is an outbound notification row. Rows are written inside the
// reconciliation transaction and drained asynchronously, so notification
// delivery can never affect reconciliation correctness.
type Message struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	MessageUUID string         `json:"message_uuid" gorm:"type:text;not null;uniqueIndex"`
	Topic       string         `json:"topic" gorm:"type:text;not null"`
	Payload     datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status      MessageStatus  `json:"status" gorm:"type:text;not null;index"`
	Attempts    int            `json:"attempts" gorm:"not null;default:0"`
	AvailableAt time.Time      `json:"available_at" gorm:"not null;index"`
	SentAt      *time.Time     `json:"sent_at"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time      `json:"updated_at" gorm:"not null"`
}

func (Message) TableName() string { return "outbox_messages" }

type Repository interface {
	Enqueue(ctx context.Context, tx *gorm.DB, msg *Message) error
	FetchPending(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Message, error)
	MarkSent(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error
	MarkAttemptFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, nextAttempt time.Time, failed bool, now time.Time) error
}
