package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Action string

const (
	ActionGranted Action = "GRANTED"
	ActionRevoked Action = "REVOKED"
	ActionChanged Action = "CHANGED"
)

func (a Action) Valid() bool {
	switch a {
	case ActionGranted, ActionRevoked, ActionChanged:
		return true
	default:
		return false
	}
}

// AuditLog is one append-only entitlement change.
type AuditLog struct {
	ID               snowflake.ID      `json:"id" gorm:"primaryKey"`
	Action           Action            `json:"action" gorm:"type:text;not null"`
	UserID           string            `json:"user_id" gorm:"type:text;not null"`
	TenantID         string            `json:"tenant_id" gorm:"type:text;not null"`
	ApplicationID    string            `json:"application_id" gorm:"type:text;not null"`
	ApplicationName  *string           `json:"application_name,omitempty"`
	TierID           *snowflake.ID     `json:"tier_id,omitempty"`
	TierName         *string           `json:"tier_name,omitempty"`
	PreviousTierName *string           `json:"previous_tier_name,omitempty"`
	PoolID           *snowflake.ID     `json:"pool_id,omitempty"`
	ActorType        string            `json:"actor_type" gorm:"type:text;not null"`
	ActorID          *string           `json:"actor_id,omitempty"`
	Metadata         datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt        time.Time         `json:"created_at" gorm:"not null"`
}

func (AuditLog) TableName() string { return "license_audit_logs" }

// Entry is what the ledger hands to Record. Actor, request and batch ids are
// taken from the context.
type Entry struct {
	Action           Action
	UserID           string
	TenantID         string
	ApplicationID    string
	ApplicationName  string
	TierID           *snowflake.ID
	TierName         string
	PreviousTierName string
	PoolID           *snowflake.ID
	Metadata         map[string]any
}

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID      string
	UserID        string
	ApplicationID string
	Action        Action
	StartAt       *time.Time
	EndAt         *time.Time
	Cursor        *AuditCursor
	Limit         int
}
