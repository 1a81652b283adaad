// Package migrate applies the courier's embedded schema migrations with
// golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"messenger-courier/internal/db"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange mirrors migrate.ErrNoChange for callers that care whether a
// step applied anything. Up, Down and Run already treat it as success.
var ErrNoChange = migrate.ErrNoChange

// Up applies every pending migration. Being already at the latest version is
// not an error.
func Up(dsn string) error {
	return step(dsn, (*migrate.Migrate).Up)
}

// Down rolls back all applied migrations. Nothing to roll back is not an
// error.
func Down(dsn string) error {
	return step(dsn, (*migrate.Migrate).Down)
}

// Run dispatches on direction, "up" or "down". The migrate command feeds it
// straight from its flag.
func Run(dsn string, direction string) error {
	switch direction {
	case "up":
		return Up(dsn)
	case "down":
		return Down(dsn)
	default:
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
}

func step(dsn string, move func(*migrate.Migrate) error) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}
	src, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := move(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
