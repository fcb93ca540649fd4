package migration

import (
	"strings"

	"github.com/smallbiznis/genstudio/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(migrateOnStart),
)

// migrateOnStart applies migrations before the server accepts traffic.
// The embedded migrations are postgres-only.
func migrateOnStart(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migrations")
	if !cfg.DBAutoMigrate {
		log.Info("database auto-migration disabled")
		return nil
	}
	if dbType := strings.ToLower(strings.TrimSpace(cfg.DBType)); dbType != "postgres" && dbType != "" {
		log.Warn("skipping migrations for non-postgres database", zap.String("db_type", cfg.DBType))
		return nil
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	version, err := RunMigrations(sqlDB)
	if err != nil {
		return err
	}
	log.Info("ledger schema ready", zap.Uint("version", version))
	return nil
}
