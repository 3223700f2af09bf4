package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/billingcycle"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/credit"
	"github.com/smallbiznis/billingcore/internal/invoice"
	"github.com/smallbiznis/billingcore/internal/lock"
	"github.com/smallbiznis/billingcore/internal/migration"
	"github.com/smallbiznis/billingcore/internal/notify"
	"github.com/smallbiznis/billingcore/internal/observability"
	"github.com/smallbiznis/billingcore/internal/proration"
	"github.com/smallbiznis/billingcore/internal/scheduler"
	"github.com/smallbiznis/billingcore/internal/sequence"
	"github.com/smallbiznis/billingcore/internal/subscription"
	"github.com/smallbiznis/billingcore/internal/usage"
	"github.com/smallbiznis/billingcore/internal/usage/attribution"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(config.Load),
		fx.Provide(config.NewBillingConfigHolder),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		notify.Module,

		sequence.Module,
		credit.Module,
		invoice.Module,
		subscription.Module,
		proration.Module,
		usage.Module,
		attribution.Module,
		billingcycle.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	return node, nil
}
