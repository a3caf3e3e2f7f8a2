// Command migrate applies or inspects hastream's SQLite schema, outside of
// the normal server startup path (which also runs migrations automatically
// via store.Open). Useful for CI and for operators who want a dry-run
// before starting the server against a new database file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/rjsadow/hastream/internal/store"
)

func main() {
	dbPath := flag.String("db", "hastream.db", "Path to SQLite database")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [-db path] up|down|status")
		os.Exit(1)
	}

	switch flag.Arg(0) {
	case "up":
		if err := runUp(*dbPath); err != nil {
			fatal(err)
		}
	case "down":
		if err := runDown(*dbPath); err != nil {
			fatal(err)
		}
	case "status":
		if err := runStatus(*dbPath); err != nil {
			fatal(err)
		}
	default:
		fmt.Printf("Unknown command: %s\n", flag.Arg(0))
		fmt.Println("Usage: migrate [-db path] up|down|status")
		os.Exit(1)
	}
}

func runUp(dbPath string) error {
	m, err := store.NewMigrator(dbPath)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Println("Migrations applied")
	return nil
}

func runDown(dbPath string) error {
	m, err := store.NewMigrator(dbPath)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("rollback failed: %w", err)
	}
	fmt.Println("Rolled back one migration")
	return nil
}

func runStatus(dbPath string) error {
	m, err := store.NewMigrator(dbPath)
	if err != nil {
		return err
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		fmt.Println("No migrations applied yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	fmt.Printf("version: %d, dirty: %v\n", version, dirty)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
