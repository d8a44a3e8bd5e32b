package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ReasonUnknownProduct  = "unknown_product"
	ReasonUnknownLineage  = "unknown_lineage"
	ReasonUnknownUser     = "unknown_user"
	ReasonProviderFailure = "provider_call_exhausted"
	ReasonIntegrity       = "integrity_violation"
)

// DeadLetter is a parked event awaiting manual inspection. Events land
// here instead of being dropped when reconciliation cannot proceed.
type DeadLetter struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Reason          string         `json:"reason" gorm:"type:text;not null;index"`
	Detail          string         `json:"detail" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	CreatedAt       time.Time      `json:"created_at" gorm:"not null"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, letter *DeadLetter) error
	List(ctx context.Context, tx *gorm.DB, limit int) ([]DeadLetter, error)
}
