package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusTrialing Status = "TRIALING"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
	StatusExpired  Status = "EXPIRED"
)

// Pool is a tenant's purchased seat capacity for one (application, tier) pair.
// QuantityAssigned is owned by the license engine and only moves through the
// repository's conditional updates or a reconciliation.
type Pool struct {
	ID                snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID          string            `json:"tenant_id" gorm:"type:text;not null"`
	ApplicationID     string            `json:"application_id" gorm:"type:text;not null"`
	TierID            snowflake.ID      `json:"tier_id" gorm:"not null"`
	QuantityPurchased int64             `json:"quantity_purchased" gorm:"not null"`
	QuantityAssigned  int64             `json:"quantity_assigned" gorm:"not null"`
	Status            Status            `json:"status" gorm:"type:text;not null"`
	CurrentPeriodEnd  *time.Time        `json:"current_period_end,omitempty"`
	CanceledAt        *time.Time        `json:"canceled_at,omitempty"`
	ExpiredAt         *time.Time        `json:"expired_at,omitempty"`
	Metadata          datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt         time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time         `json:"updated_at" gorm:"not null"`
}

func (Pool) TableName() string { return "license_pools" }

func (p Pool) Available() int64 {
	if p.QuantityAssigned >= p.QuantityPurchased {
		return 0
	}
	return p.QuantityPurchased - p.QuantityAssigned
}

// IsOverage reports more assigned seats than purchased, which follows a resize
// below the current assignment count.
func (p Pool) IsOverage() bool {
	return p.QuantityAssigned > p.QuantityPurchased
}

func (p Pool) IsTerminal() bool {
	return p.Status == StatusCanceled || p.Status == StatusExpired
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusTrialing: {StatusActive: {}, StatusPastDue: {}, StatusCanceled: {}, StatusExpired: {}},
	StatusActive:   {StatusPastDue: {}, StatusCanceled: {}, StatusExpired: {}},
	StatusPastDue:  {StatusActive: {}, StatusCanceled: {}, StatusExpired: {}},
	StatusCanceled: {StatusExpired: {}},
}

func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
