package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/licensepool/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ActivePools(ctx context.Context, db *gorm.DB, tenantID string) ([]domain.PoolRow, error) {
	var rows []domain.PoolRow
	err := db.WithContext(ctx).Raw(
		`SELECT p.id, p.application_id, p.tier_id, t.name AS tier_name,
			p.quantity_purchased, p.quantity_assigned
		FROM license_pools p
		JOIN license_tiers t ON t.id = p.tier_id
		WHERE p.tenant_id = ? AND p.status = 'ACTIVE'
		ORDER BY p.application_id ASC, t.display_order ASC, p.created_at ASC`,
		tenantID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) GrantTimes(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) ([]time.Time, error) {
	var rows []struct {
		CreatedAt time.Time
	}
	err := db.WithContext(ctx).Raw(
		`SELECT created_at FROM license_assignments
		WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, from.UTC(), to.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.CreatedAt)
	}
	return out, nil
}
