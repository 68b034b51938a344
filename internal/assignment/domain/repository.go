package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, assignment *Assignment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Assignment, error)
	Find(ctx context.Context, db *gorm.DB, userID, tenantID, applicationID string) (*Assignment, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, userID, tenantID, applicationID string) (*Assignment, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID, tenantID string) ([]Assignment, error)
	ListByPool(ctx context.Context, db *gorm.DB, poolID snowflake.ID) ([]Assignment, error)
	// DeleteByID reports whether a row was removed.
	DeleteByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, tierID snowflake.ID, tierName string, poolID *snowflake.ID, now time.Time) error
}
