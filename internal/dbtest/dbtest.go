// Package dbtest opens an in-memory SQLite database with the license schema and
// the host identity tables the directory adapter reads.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/licensepool/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var hostSchema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_memberships (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		licensing_mode TEXT
	)`,
}

// Open returns a database private to the calling test. A single connection keeps
// SQLite writers serialized the same way a row lock would.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA foreign_keys = ON").Error

	if err := migration.ApplySQLiteSchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	for _, stmt := range hostSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create host table: %v", err)
		}
	}
	return db
}

func MustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func SeedTenant(t *testing.T, db *gorm.DB, tenantID string) {
	t.Helper()
	if err := db.Exec(`INSERT INTO tenants (id, name) VALUES (?, ?)`, tenantID, "Tenant "+tenantID).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

// SeedMember creates the user when missing and an ACTIVE membership in tenantID.
func SeedMember(t *testing.T, db *gorm.DB, tenantID, userID string) {
	t.Helper()
	SeedUser(t, db, userID)
	if err := db.Exec(`INSERT INTO tenant_memberships (tenant_id, user_id, status) VALUES (?, ?, 'ACTIVE')`, tenantID, userID).Error; err != nil {
		t.Fatalf("seed membership: %v", err)
	}
}

func SeedUser(t *testing.T, db *gorm.DB, userID string) {
	t.Helper()
	if err := db.Exec(`INSERT INTO users (id, email) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`, userID, userID+"@example.com").Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func SeedApplication(t *testing.T, db *gorm.DB, applicationID, name, mode string) {
	t.Helper()
	var licensingMode any
	if mode != "" {
		licensingMode = mode
	}
	if err := db.Exec(`INSERT INTO applications (id, name, licensing_mode) VALUES (?, ?, ?)`, applicationID, name, licensingMode).Error; err != nil {
		t.Fatalf("seed application: %v", err)
	}
}

// SeedTier inserts a tier row directly, bypassing catalog validation.
func SeedTier(t *testing.T, db *gorm.DB, id snowflake.ID, applicationID, name, status string, maxMembers *int) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	if err := db.Exec(`INSERT INTO license_tiers (id, application_id, slug, name, features, max_members, status, display_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?, 0, ?, ?)`,
		id, applicationID, strings.ToLower(name)+"-"+id.String(), name, maxMembers, status, now, now,
	).Error; err != nil {
		t.Fatalf("seed tier: %v", err)
	}
}

// SeedPool inserts a pool row directly. createdAt orders competing ACTIVE pools.
func SeedPool(t *testing.T, db *gorm.DB, id snowflake.ID, tenantID, applicationID string, tierID snowflake.ID, purchased, assigned int64, status string, createdAt time.Time) {
	t.Helper()
	if err := db.Exec(`INSERT INTO license_pools (id, tenant_id, application_id, tier_id, quantity_purchased, quantity_assigned, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		id, tenantID, applicationID, tierID, purchased, assigned, status, createdAt.UTC(), createdAt.UTC(),
	).Error; err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func PoolAssigned(t *testing.T, db *gorm.DB, poolID snowflake.ID) int64 {
	t.Helper()
	var assigned int64
	if err := db.Raw(`SELECT quantity_assigned FROM license_pools WHERE id = ?`, poolID).Scan(&assigned).Error; err != nil {
		t.Fatalf("read pool: %v", err)
	}
	return assigned
}

func CountAssignments(t *testing.T, db *gorm.DB, where string, args ...any) int64 {
	t.Helper()
	var count int64
	query := `SELECT COUNT(*) FROM license_assignments`
	if where != "" {
		query += " WHERE " + where
	}
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count assignments: %v", err)
	}
	return count
}

// SeedAssignment inserts an assignment row without touching the pool counter,
// which is how counter drift is simulated.
func SeedAssignment(t *testing.T, db *gorm.DB, id snowflake.ID, userID, tenantID, applicationID string, tierID snowflake.ID, tierName string, poolID *snowflake.ID, createdAt time.Time) {
	t.Helper()
	var pool any
	if poolID != nil {
		pool = *poolID
	}
	if err := db.Exec(`INSERT INTO license_assignments (id, user_id, tenant_id, application_id, tier_id, tier_name, pool_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, userID, tenantID, applicationID, tierID, tierName, pool, createdAt.UTC(), createdAt.UTC(),
	).Error; err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
}
