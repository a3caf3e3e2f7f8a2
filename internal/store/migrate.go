package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations/sqlite
var sqliteMigrations embed.FS

// NewMigrator opens a dedicated connection to dsn and returns a
// golang-migrate instance backed by the embedded SQL migrations. The
// caller owns its lifecycle and must call Close() when done; closing it
// also closes the connection it opened, so it must never be used against
// the application's long-lived store connection.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening migration connection: %w", err)
	}

	migrationFS, err := fs.Sub(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: preparing migration source: %w", err)
	}
	source, err := iofs.New(migrationFS, ".")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: creating migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: creating sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: creating migrator: %w", err)
	}
	return m, nil
}

// runMigrations applies any pending migrations using a dedicated
// connection, so golang-migrate's m.Close() never touches the
// application's long-lived connection.
func runMigrations(dsn string) error {
	m, err := NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: applying migrations: %w", err)
	}
	return nil
}
