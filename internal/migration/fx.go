package migration

import (
	"strings"

	"github.com/smallbiznis/billingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBMigrateOnStart {
			log.Info("skipping migrations on start")
			return nil
		}
		if !strings.EqualFold(cfg.DBType, "postgres") {
			return AutoMigrate(conn)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
