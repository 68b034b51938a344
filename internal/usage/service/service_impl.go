package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/smallbiznis/licensepool/internal/clock"
	"github.com/smallbiznis/licensepool/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dayLayout = "2006-01-02"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Overview(ctx context.Context, tenantID string) (*domain.Overview, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}

	rows, err := s.repo.ActivePools(ctx, s.db, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load active pools: %w", err)
	}

	overview := &domain.Overview{
		TenantID: tenantID,
		Pools:    make([]domain.PoolUsage, 0, len(rows)),
	}
	for _, row := range rows {
		usage := domain.PoolUsage{
			PoolID:             row.ID.String(),
			ApplicationID:      row.ApplicationID,
			TierID:             row.TierID.String(),
			TierName:           row.TierName,
			Purchased:          row.QuantityPurchased,
			Assigned:           row.QuantityAssigned,
			Available:          available(row.QuantityPurchased, row.QuantityAssigned),
			UtilizationPercent: utilization(row.QuantityPurchased, row.QuantityAssigned),
		}
		if row.QuantityAssigned > row.QuantityPurchased {
			usage.Overage = true
			usage.OverageSeats = row.QuantityAssigned - row.QuantityPurchased
			overview.HasOverage = true
		}
		overview.Pools = append(overview.Pools, usage)
		overview.TotalPurchased += usage.Purchased
		overview.TotalAssigned += usage.Assigned
		overview.TotalAvailable += usage.Available
	}
	overview.UtilizationPercent = utilization(overview.TotalPurchased, overview.TotalAssigned)
	return overview, nil
}

func (s *Service) Trends(ctx context.Context, tenantID string, days int) (*domain.Trends, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if days == 0 {
		days = domain.DefaultTrendDays
	}
	if days < 0 || days > domain.MaxTrendDays {
		return nil, domain.ErrInvalidDays
	}

	now := s.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(days - 1))
	to := today.AddDate(0, 0, 1)

	times, err := s.repo.GrantTimes(ctx, s.db, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}

	counts := make(map[string]int64, days)
	for _, createdAt := range times {
		counts[createdAt.UTC().Format(dayLayout)]++
	}

	trends := &domain.Trends{
		TenantID: tenantID,
		Days:     days,
		From:     from.Format(dayLayout),
		To:       today.Format(dayLayout),
		Daily:    make([]domain.DailyGrants, 0, days),
	}
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		key := day.Format(dayLayout)
		trends.Daily = append(trends.Daily, domain.DailyGrants{Date: key, Grants: counts[key]})
		trends.TotalGrants += counts[key]
	}
	return trends, nil
}

func available(purchased, assigned int64) int64 {
	if assigned >= purchased {
		return 0
	}
	return purchased - assigned
}

// utilization is rounded to two decimals. A pool with nothing purchased reads
// 100 once anything is assigned to it.
func utilization(purchased, assigned int64) float64 {
	if purchased <= 0 {
		if assigned > 0 {
			return 100
		}
		return 0
	}
	return math.Round(float64(assigned)/float64(purchased)*10000) / 100
}
