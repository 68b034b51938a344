package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Assignment grants one user a tier of one application inside one tenant. There
// is at most one assignment per (user, tenant, application). PoolID is nil for
// applications licensed in FREE mode.
type Assignment struct {
	ID            snowflake.ID  `json:"id" gorm:"primaryKey"`
	UserID        string        `json:"user_id" gorm:"type:text;not null"`
	TenantID      string        `json:"tenant_id" gorm:"type:text;not null"`
	ApplicationID string        `json:"application_id" gorm:"type:text;not null"`
	TierID        snowflake.ID  `json:"tier_id" gorm:"not null"`
	TierName      string        `json:"tier_name" gorm:"type:text;not null"`
	PoolID        *snowflake.ID `json:"pool_id,omitempty"`
	AssignedBy    *string       `json:"assigned_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time     `json:"updated_at" gorm:"not null"`
}

func (Assignment) TableName() string { return "license_assignments" }
