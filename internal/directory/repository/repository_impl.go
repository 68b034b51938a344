package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/licensepool/internal/directory/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const activeMembershipStatus = "ACTIVE"

// gormDirectory reads the identity platform tables that live alongside the
// license tables in the same database.
type gormDirectory struct {
	db  *gorm.DB
	log *zap.Logger
}

func Provide(db *gorm.DB, log *zap.Logger) domain.Directory {
	return &gormDirectory{db: db, log: log.Named("directory")}
}

func (d *gormDirectory) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	return d.exists(ctx, `SELECT COUNT(*) FROM tenants WHERE id = ?`, strings.TrimSpace(tenantID))
}

func (d *gormDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	return d.exists(ctx, `SELECT COUNT(*) FROM users WHERE id = ?`, strings.TrimSpace(userID))
}

func (d *gormDirectory) IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error) {
	return d.exists(ctx,
		`SELECT COUNT(*) FROM tenant_memberships WHERE tenant_id = ? AND user_id = ? AND status = ?`,
		strings.TrimSpace(tenantID), strings.TrimSpace(userID), activeMembershipStatus,
	)
}

func (d *gormDirectory) GetApplication(ctx context.Context, applicationID string) (*domain.Application, error) {
	var row struct {
		ID            string
		Name          string
		LicensingMode *string
	}
	result := d.db.WithContext(ctx).Raw(
		`SELECT id, name, licensing_mode FROM applications WHERE id = ?`,
		strings.TrimSpace(applicationID),
	).Scan(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || row.ID == "" {
		return nil, nil
	}
	app := &domain.Application{ID: row.ID, Name: row.Name}
	if row.LicensingMode != nil {
		app.LicensingMode = strings.ToUpper(strings.TrimSpace(*row.LicensingMode))
	}
	return app, nil
}

func (d *gormDirectory) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).Raw(query, args...).Scan(&count).Error; err != nil {
		d.log.Warn("directory lookup failed", zap.Error(err))
		return false, err
	}
	return count > 0, nil
}
