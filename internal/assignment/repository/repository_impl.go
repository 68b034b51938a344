package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/assignment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, assignment *domain.Assignment) error {
	return db.WithContext(ctx).Create(assignment).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Assignment, error) {
	return r.findOne(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, userID, tenantID, applicationID string) (*domain.Assignment, error) {
	return r.findOne(db.WithContext(ctx).
		Where("user_id = ? AND tenant_id = ? AND application_id = ?", userID, tenantID, applicationID))
}

func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, userID, tenantID, applicationID string) (*domain.Assignment, error) {
	return r.findOne(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND tenant_id = ? AND application_id = ?", userID, tenantID, applicationID))
}

func (r *repo) findOne(stmt *gorm.DB) (*domain.Assignment, error) {
	var assignment domain.Assignment
	result := stmt.Limit(1).Find(&assignment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &assignment, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID, tenantID string) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	stmt := db.WithContext(ctx).Where("user_id = ?", userID)
	if tenantID != "" {
		stmt = stmt.Where("tenant_id = ?", tenantID)
	}
	if err := stmt.Order("tenant_id ASC, application_id ASC").Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *repo) ListByPool(ctx context.Context, db *gorm.DB, poolID snowflake.ID) ([]domain.Assignment, error) {
	var assignments []domain.Assignment
	err := db.WithContext(ctx).
		Where("pool_id = ?", poolID).
		Order("created_at ASC, id ASC").
		Find(&assignments).Error
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *repo) DeleteByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM license_assignments WHERE id = ?`, id)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tierID snowflake.ID, tierName string, poolID *snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE license_assignments
		SET tier_id = ?, tier_name = ?, pool_id = ?, updated_at = ?
		WHERE id = ?`,
		tierID, tierName, poolID, now, id,
	).Error
}
