// Command migrate applies the Postgres schema for sites and conversion funnels.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"conteo/collector/config"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

const defaultMigrationsPath = "file://migrations"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: migrate <up|down|version>")
		return exitFailure
	}
	direction := args[0]
	switch direction {
	case "up", "down", "version":
	default:
		fmt.Fprintf(os.Stderr, "Invalid command: %q (must be \"up\", \"down\" or \"version\")\n", direction)
		return exitFailure
	}

	cfg, err := config.Load(config.GetConfigPath("config.yml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	source := os.Getenv("MIGRATIONS_PATH")
	if source == "" {
		source = defaultMigrationsPath
	}

	m, err := migrate.New(source, cfg.Postgres.MigrateURL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrate instance: %v\n", err)
		return exitFailure
	}
	defer func() { _, _ = m.Close() }()

	if direction == "version" {
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			fmt.Fprintf(os.Stderr, "Failed to read version: %v\n", verr)
			return exitFailure
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return exitSuccess
	}

	if err := apply(m, direction); err != nil {
		fmt.Fprintf(os.Stderr, "Migration %s failed: %v\n", direction, err)
		return exitFailure
	}

	fmt.Printf("Migration %s completed successfully\n", direction)
	return exitSuccess
}

func apply(m *migrate.Migrate, direction string) error {
	var err error
	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		fmt.Println("No migrations to apply")
		return nil
	}
	return err
}
