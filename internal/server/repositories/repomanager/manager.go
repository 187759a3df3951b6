package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/entities"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/events"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/relations"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/views"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/watermarks"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Events(db dbx.DBTX) events.Repository
	Entities(db dbx.DBTX) entities.Repository
	Relations(db dbx.DBTX) relations.Repository
	Views(db dbx.DBTX) views.Repository
	Watermarks(db dbx.DBTX) watermarks.Repository
}
