package migration

import (
	"strings"

	"github.com/smallbiznis/licensepool/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date for the configured database type.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	switch strings.ToLower(strings.TrimSpace(cfg.DBType)) {
	case "sqlite":
		return ApplySQLiteSchema(conn)
	case "postgres":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("license schema up to date", zap.Uint("version", version))
		return nil
	default:
		log.Warn("schema migrations skipped, provision the license tables externally",
			zap.String("database_type", cfg.DBType))
		return nil
	}
}
