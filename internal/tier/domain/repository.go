package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tier *Tier) error
	Save(ctx context.Context, db *gorm.DB, tier *Tier) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tier, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Tier, error)
	FindBySlug(ctx context.Context, db *gorm.DB, applicationID, slug string) (*Tier, error)
	List(ctx context.Context, db *gorm.DB, applicationID string, statuses []Status) ([]Tier, error)
	CountReferences(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
}
