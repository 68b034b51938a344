package migration

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// sqliteSchema mirrors the Postgres migrations with SQLite column types. It backs
// local development on DATABASE_TYPE=sqlite and the package tests.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS license_tiers (
	id BIGINT PRIMARY KEY,
	application_id TEXT NOT NULL,
	slug TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	features JSON,
	max_members INTEGER,
	status TEXT NOT NULL DEFAULT 'DRAFT' CHECK (status IN ('DRAFT', 'ACTIVE', 'HIDDEN', 'ARCHIVED')),
	display_order INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_license_tiers_application_slug ON license_tiers (application_id, slug);
CREATE TABLE IF NOT EXISTS license_pools (
	id BIGINT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	application_id TEXT NOT NULL,
	tier_id BIGINT NOT NULL REFERENCES license_tiers (id),
	quantity_purchased BIGINT NOT NULL DEFAULT 0 CHECK (quantity_purchased >= 0),
	quantity_assigned BIGINT NOT NULL DEFAULT 0 CHECK (quantity_assigned >= 0),
	status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK (status IN ('ACTIVE', 'TRIALING', 'PAST_DUE', 'CANCELED', 'EXPIRED')),
	current_period_end DATETIME,
	canceled_at DATETIME,
	expired_at DATETIME,
	metadata JSON,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_license_pools_lookup ON license_pools (tenant_id, application_id, tier_id, status, created_at);
CREATE TABLE IF NOT EXISTS license_assignments (
	id BIGINT PRIMARY KEY,
	user_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	application_id TEXT NOT NULL,
	tier_id BIGINT NOT NULL REFERENCES license_tiers (id),
	tier_name TEXT NOT NULL,
	pool_id BIGINT REFERENCES license_pools (id),
	assigned_by TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_license_assignments_user_tenant_app ON license_assignments (user_id, tenant_id, application_id);
CREATE INDEX IF NOT EXISTS idx_license_assignments_pool ON license_assignments (pool_id);
CREATE INDEX IF NOT EXISTS idx_license_assignments_tenant_created ON license_assignments (tenant_id, created_at);
CREATE TABLE IF NOT EXISTS license_audit_logs (
	id BIGINT PRIMARY KEY,
	action TEXT NOT NULL CHECK (action IN ('GRANTED', 'REVOKED', 'CHANGED')),
	user_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	application_id TEXT NOT NULL,
	application_name TEXT,
	tier_id BIGINT,
	tier_name TEXT,
	previous_tier_name TEXT,
	pool_id BIGINT,
	actor_type TEXT NOT NULL,
	actor_id TEXT,
	metadata JSON,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_license_audit_logs_tenant_created ON license_audit_logs (tenant_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_license_audit_logs_user ON license_audit_logs (user_id);
`

func ApplySQLiteSchema(db *gorm.DB) error {
	for _, stmt := range strings.Split(sqliteSchema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}
