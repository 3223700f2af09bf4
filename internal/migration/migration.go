// Package migration creates the billing tables. Postgres runs the embedded
// SQL migrations; sqlite and mysql fall back to gorm AutoMigrate.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	creditdomain "github.com/smallbiznis/billingcore/internal/credit/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	sequencedomain "github.com/smallbiznis/billingcore/internal/sequence/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"gorm.io/gorm"
)

const migrationsDir = "sql"

//go:embed sql/*.sql
var embeddedMigrations embed.FS

// Models lists every persisted type in dependency order.
func Models() []any {
	return []any{
		&subscriptiondomain.Plan{},
		&subscriptiondomain.PlanUsageLimit{},
		&subscriptiondomain.TenantSubscription{},
		&sequencedomain.InvoiceSequence{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&invoicedomain.InvoicePayment{},
		&creditdomain.Credit{},
		&creditdomain.CreditAllocation{},
		&usagedomain.UsageRecord{},
	}
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	src, err := newSource()
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.
	return nil
}

// AutoMigrate is used for drivers without embedded SQL.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func newSource() (source.Driver, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	driver, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	return driver, nil
}
