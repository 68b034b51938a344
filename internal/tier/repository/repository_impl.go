package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensepool/internal/tier/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tier *domain.Tier) error {
	return db.WithContext(ctx).Create(tier).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, tier *domain.Tier) error {
	return db.WithContext(ctx).Exec(
		`UPDATE license_tiers
		SET name = ?, description = ?, features = ?, max_members = ?, status = ?, display_order = ?, updated_at = ?
		WHERE id = ?`,
		tier.Name,
		tier.Description,
		tier.Features,
		tier.MaxMembers,
		tier.Status,
		tier.DisplayOrder,
		tier.UpdatedAt,
		tier.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM license_tiers WHERE id = ?`, id).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Tier, error) {
	var tier domain.Tier
	result := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&tier)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Tier, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var tiers []domain.Tier
	if err := db.WithContext(ctx).Where("id IN ?", ids).Find(&tiers).Error; err != nil {
		return nil, err
	}
	return tiers, nil
}

func (r *repo) FindBySlug(ctx context.Context, db *gorm.DB, applicationID, slug string) (*domain.Tier, error) {
	var tier domain.Tier
	result := db.WithContext(ctx).
		Where("application_id = ? AND slug = ?", applicationID, slug).
		Limit(1).
		Find(&tier)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &tier, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, applicationID string, statuses []domain.Status) ([]domain.Tier, error) {
	var tiers []domain.Tier
	stmt := db.WithContext(ctx).Where("application_id = ?", applicationID)
	if len(statuses) > 0 {
		stmt = stmt.Where("status IN ?", statuses)
	}
	if err := stmt.Order("display_order ASC, name ASC").Find(&tiers).Error; err != nil {
		return nil, err
	}
	return tiers, nil
}

// CountReferences counts pools and assignments that still point at the tier.
func (r *repo) CountReferences(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT
			(SELECT COUNT(*) FROM license_pools WHERE tier_id = ?) +
			(SELECT COUNT(*) FROM license_assignments WHERE tier_id = ?)`,
		id, id,
	).Scan(&count).Error
	return count, err
}
