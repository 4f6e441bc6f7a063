package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// migrationFS embeds the SQL migrations applied by Migrate.
//
//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate runs all pending goose migrations against database.
func Migrate(database *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(database, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// TruncateAuthTables empties auth tables; used by integration tests for a clean state.
func TruncateAuthTables(database *sql.DB) error {
	if _, err := database.Exec("TRUNCATE TABLE otp_records, accounts CASCADE"); err != nil {
		return fmt.Errorf("truncate auth tables: %w", err)
	}
	return nil
}
