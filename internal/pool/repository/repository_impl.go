package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/pool/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, pool *domain.Pool) error {
	return db.WithContext(ctx).Create(pool).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Pool, error) {
	return r.findOne(db.WithContext(ctx).Where("id = ?", id))
}

// FindByIDForUpdate takes a row lock on dialects that support it. SQLite drops
// the locking clause and relies on its single writer.
func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Pool, error) {
	return r.findOne(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, tenantID, applicationID string, tierID snowflake.ID) (*domain.Pool, error) {
	return r.findOne(db.WithContext(ctx).
		Where("tenant_id = ? AND application_id = ? AND tier_id = ? AND status = ?",
			tenantID, applicationID, tierID, domain.StatusActive).
		Order("created_at DESC, id DESC"))
}

func (r *repo) findOne(stmt *gorm.DB) (*domain.Pool, error) {
	var pool domain.Pool
	result := stmt.Limit(1).Find(&pool)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &pool, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID string, statuses []domain.Status) ([]domain.Pool, error) {
	var pools []domain.Pool
	stmt := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if len(statuses) > 0 {
		stmt = stmt.Where("status IN ?", statuses)
	}
	if err := stmt.Order("application_id ASC, created_at DESC").Find(&pools).Error; err != nil {
		return nil, err
	}
	return pools, nil
}

func (r *repo) ListIDsAfter(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]snowflake.ID, error) {
	var raw []int64
	err := db.WithContext(ctx).
		Model(&domain.Pool{}).
		Where("id > ?", after).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &raw).Error
	if err != nil {
		return nil, err
	}
	ids := make([]snowflake.ID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, snowflake.ID(id))
	}
	return ids, nil
}

func (r *repo) IncrementAssigned(ctx context.Context, db *gorm.DB, id snowflake.ID, limit *int64, now time.Time) (bool, error) {
	query := `UPDATE license_pools
		SET quantity_assigned = quantity_assigned + 1, updated_at = ?
		WHERE id = ?`
	args := []any{now, id}
	if limit != nil {
		query += ` AND quantity_assigned < ?`
		args = append(args, *limit)
	}

	result := db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) DecrementAssigned(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE license_pools
		SET quantity_assigned = CASE WHEN quantity_assigned > 0 THEN quantity_assigned - 1 ELSE 0 END,
			updated_at = ?
		WHERE id = ?`,
		now, id,
	).Error
}

func (r *repo) CountAssignments(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM license_assignments WHERE pool_id = ?`,
		id,
	).Scan(&count).Error
	return count, err
}

func (r *repo) SetAssigned(ctx context.Context, db *gorm.DB, id snowflake.ID, assigned int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE license_pools SET quantity_assigned = ?, updated_at = ? WHERE id = ?`,
		assigned, now, id,
	).Error
}

func (r *repo) UpdateQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, purchased int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE license_pools SET quantity_purchased = ?, updated_at = ? WHERE id = ?`,
		purchased, now, id,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, pool *domain.Pool) error {
	return db.WithContext(ctx).Exec(
		`UPDATE license_pools
		SET status = ?, canceled_at = ?, expired_at = ?, updated_at = ?
		WHERE id = ?`,
		pool.Status,
		pool.CanceledAt,
		pool.ExpiredAt,
		pool.UpdatedAt,
		pool.ID,
	).Error
}
