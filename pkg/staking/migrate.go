package staking

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies all pending staking schema migrations.
func RunMigrations(log *slog.Logger, connStr string) error {
	return withGoose(log, connStr, "running migrations (up)", func(db *sql.DB) error {
		return goose.Up(db, "migrations")
	})
}

// RollbackMigration rolls back the most recent migration.
func RollbackMigration(log *slog.Logger, connStr string) error {
	return withGoose(log, connStr, "rolling back last migration", func(db *sql.DB) error {
		return goose.Down(db, "migrations")
	})
}

// MigrationStatus prints the status of all migrations.
func MigrationStatus(log *slog.Logger, connStr string) error {
	return withGoose(log, connStr, "migration status", func(db *sql.DB) error {
		return goose.Status(db, "migrations")
	})
}

func withGoose(log *slog.Logger, connStr, action string, fn func(*sql.DB) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info(action)
	if err := fn(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
