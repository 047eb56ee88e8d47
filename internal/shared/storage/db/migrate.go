package db

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies embedded SQL migrations via goose. If database is nil, it's a no-op.
func RunMigrations(ctx context.Context, database *sql.DB) error {
	if database == nil {
		return nil
	}
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, database, "migrations")
}

// MigrationsPending reports whether the database is behind the embedded migrations.
// A nil database never needs migrating.
func MigrationsPending(ctx context.Context, database *sql.DB) (bool, error) {
	if database == nil {
		return false, nil
	}
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return false, err
	}
	migrations, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return false, err
	}
	latest, err := migrations.Last()
	if err != nil {
		return false, err
	}
	current, err := goose.GetDBVersionContext(ctx, database)
	if err != nil {
		return false, err
	}
	return current < latest.Version, nil
}
