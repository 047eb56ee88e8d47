package sessions

import (
	"context"
	"database/sql"

	"paperscan-backend/internal/shared/storage/db"
)

// Migrator is the storage-migration precondition checked once per session
// during the Initialize phase.
type Migrator interface {
	Pending(ctx context.Context) (bool, error)
	Run(ctx context.Context) error
}

// GooseMigrator checks and applies the embedded goose migrations.
type GooseMigrator struct {
	DB *sql.DB
}

// Pending reports whether the database is behind the embedded migrations.
func (m *GooseMigrator) Pending(ctx context.Context) (bool, error) {
	return db.MigrationsPending(ctx, m.DB)
}

// Run applies pending migrations.
func (m *GooseMigrator) Run(ctx context.Context) error {
	return db.RunMigrations(ctx, m.DB)
}

// NopMigrator reports nothing pending. Used when no database is configured.
type NopMigrator struct{}

func (NopMigrator) Pending(ctx context.Context) (bool, error) { return false, nil }
func (NopMigrator) Run(ctx context.Context) error             { return nil }

var (
	_ Migrator = (*GooseMigrator)(nil)
	_ Migrator = NopMigrator{}
)
