package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusActive   Status = "ACTIVE"
	StatusHidden   Status = "HIDDEN"
	StatusArchived Status = "ARCHIVED"
)

// Tier is a named license class for one application.
type Tier struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	ApplicationID string            `json:"application_id" gorm:"type:text;not null"`
	Slug          string            `json:"slug" gorm:"type:text;not null"`
	Name          string            `json:"name" gorm:"type:text;not null"`
	Description   *string           `json:"description,omitempty" gorm:"type:text"`
	Features      datatypes.JSONMap `json:"features" gorm:"type:json"`
	MaxMembers    *int              `json:"max_members,omitempty"`
	Status        Status            `json:"status" gorm:"type:text;not null"`
	DisplayOrder  int               `json:"display_order" gorm:"not null"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null"`
}

func (Tier) TableName() string { return "license_tiers" }

// IsGrantable reports whether new assignments may target the tier. DRAFT tiers
// are grantable for internal provisioning even though they are not listed publicly.
func (t Tier) IsGrantable() bool {
	return t.Status == StatusActive || t.Status == StatusDraft
}

func (t Tier) HasFeature(key string) bool {
	if t.Features == nil {
		return false
	}
	enabled, ok := t.Features[key].(bool)
	return ok && enabled
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusDraft:  {StatusActive: {}, StatusArchived: {}},
	StatusActive: {StatusHidden: {}, StatusArchived: {}},
	StatusHidden: {StatusActive: {}, StatusArchived: {}},
}

func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
