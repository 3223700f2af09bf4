package db

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormprom "gorm.io/plugin/prometheus"
)

type OpenParams struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	Config    Config
	Logger    gormlogger.Interface `optional:"true"`
	Log       *zap.Logger          `optional:"true"`
}

// Open connects the configured store and installs tracing and pool metrics.
func Open(p OpenParams) (*gorm.DB, error) {
	dialector, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	gcfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	if p.Logger != nil {
		gcfg.Logger = p.Logger
	}

	conn, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Config.Type, err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if p.Config.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.Config.MaxIdleConn)
	}
	if p.Config.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.Config.MaxOpenConn)
	}
	if p.Config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.Config.connMaxLifetime())
	}
	if p.Config.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.Config.connMaxIdleTime())
	}

	if err := conn.Use(otelgorm.NewPlugin(
		otelgorm.WithDBName(p.Config.Name),
		otelgorm.WithoutQueryVariables(),
	)); err != nil {
		return nil, fmt.Errorf("install otelgorm: %w", err)
	}
	if err := conn.Use(gormprom.New(gormprom.Config{
		DBName:          p.Config.Name,
		RefreshInterval: 15,
		StartServer:     false,
	})); err != nil {
		return nil, fmt.Errorf("install gorm prometheus: %w", err)
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqlDB.PingContext(ctx)
			},
			OnStop: func(context.Context) error {
				if p.Log != nil {
					p.Log.Info("closing database pool")
				}
				return sqlDB.Close()
			},
		})
	}

	return conn, nil
}

var Module = fx.Module("db",
	fx.Provide(NewConfig),
	fx.Provide(Open),
)
