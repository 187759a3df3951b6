// Package repomanager provides a concrete RepositoryManager for PostgreSQL,
// wiring together repository constructors and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/migrations"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/entities"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/events"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/relations"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/views"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/watermarks"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

// Events returns an events.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Events(db dbx.DBTX) events.Repository {
	return events.NewPostgresRepository(db)
}

// Entities returns an entities.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Entities(db dbx.DBTX) entities.Repository {
	return entities.NewPostgresRepository(db)
}

// Relations returns a relations.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Relations(db dbx.DBTX) relations.Repository {
	return relations.NewPostgresRepository(db)
}

// Views returns a views.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Views(db dbx.DBTX) views.Repository {
	return views.NewPostgresRepository(db)
}

// Watermarks returns a watermarks.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Watermarks(db dbx.DBTX) watermarks.Repository {
	return watermarks.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection. Entity and relation tables are
// not migrated; they follow the model and are created on demand.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return err
	}
	return nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{}
}
