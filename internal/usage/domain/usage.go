package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/pkg/apperror"
	"gorm.io/gorm"
)

const (
	DefaultTrendDays = 30
	MaxTrendDays     = 365
)

type PoolUsage struct {
	PoolID             string  `json:"pool_id"`
	ApplicationID      string  `json:"application_id"`
	TierID             string  `json:"tier_id"`
	TierName           string  `json:"tier_name"`
	Purchased          int64   `json:"purchased"`
	Assigned           int64   `json:"assigned"`
	Available          int64   `json:"available"`
	UtilizationPercent float64 `json:"utilization_percent"`
	Overage            bool    `json:"overage"`
	OverageSeats       int64   `json:"overage_seats,omitempty"`
}

type Overview struct {
	TenantID           string      `json:"tenant_id"`
	Pools              []PoolUsage `json:"pools"`
	TotalPurchased     int64       `json:"total_purchased"`
	TotalAssigned      int64       `json:"total_assigned"`
	TotalAvailable     int64       `json:"total_available"`
	UtilizationPercent float64     `json:"utilization_percent"`
	HasOverage         bool        `json:"has_overage"`
}

type DailyGrants struct {
	Date   string `json:"date"`
	Grants int64  `json:"grants"`
}

type Trends struct {
	TenantID    string        `json:"tenant_id"`
	Days        int           `json:"days"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Daily       []DailyGrants `json:"daily"`
	TotalGrants int64         `json:"total_grants"`
}

// PoolRow is an ACTIVE pool joined with its tier name.
type PoolRow struct {
	ID                snowflake.ID
	ApplicationID     string
	TierID            snowflake.ID
	TierName          string
	QuantityPurchased int64
	QuantityAssigned  int64
}

type Repository interface {
	ActivePools(ctx context.Context, db *gorm.DB, tenantID string) ([]PoolRow, error)
	// GrantTimes returns assignment creation times in [from, to).
	GrantTimes(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) ([]time.Time, error)
}

type Service interface {
	Overview(ctx context.Context, tenantID string) (*Overview, error)
	// Trends reports daily grant counts for the last days UTC days, today included.
	// days <= 0 selects DefaultTrendDays.
	Trends(ctx context.Context, tenantID string, days int) (*Trends, error)
}

var (
	ErrInvalidTenant = apperror.New(apperror.KindInvalidArgument, "invalid_tenant")
	ErrInvalidDays   = apperror.New(apperror.KindInvalidArgument, "invalid_days")
)
