package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, pool *Pool) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Pool, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Pool, error)
	// FindActive returns the most recently created ACTIVE pool for the triple.
	FindActive(ctx context.Context, db *gorm.DB, tenantID, applicationID string, tierID snowflake.ID) (*Pool, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID string, statuses []Status) ([]Pool, error)
	ListIDsAfter(ctx context.Context, db *gorm.DB, after snowflake.ID, limit int) ([]snowflake.ID, error)

	// IncrementAssigned adds one seat only while quantity_assigned < limit. It
	// reports false when the pool is full. A nil limit means unbounded.
	IncrementAssigned(ctx context.Context, db *gorm.DB, id snowflake.ID, limit *int64, now time.Time) (bool, error)
	// DecrementAssigned removes one seat, never going below zero.
	DecrementAssigned(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	CountAssignments(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)
	SetAssigned(ctx context.Context, db *gorm.DB, id snowflake.ID, assigned int64, now time.Time) error

	UpdateQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, purchased int64, now time.Time) error
	UpdateStatus(ctx context.Context, db *gorm.DB, pool *Pool) error
}
