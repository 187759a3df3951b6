package services

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/views"
)

// ViewService maintains the materialized views of relation tables.
type ViewService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *model.Registry
	logger      logging.Logger
}

func NewViewService(db *sql.DB, repomanager repomanager.RepositoryManager, registry *model.Registry, logger logging.Logger) *ViewService {
	return &ViewService{db: db, repomanager: repomanager, registry: registry, logger: logger.With("module", "views")}
}

// Create creates the view of a relation, creating an empty relation table
// first when it was never built.
func (s *ViewService) Create(ctx context.Context, ref *model.Reference, force bool) error {
	if err := s.repomanager.Relations(s.db).EnsureTable(ctx, ref); err != nil {
		return err
	}
	if err := s.repomanager.Views(s.db).Create(ctx, views.Of(ref), force); err != nil {
		return err
	}
	s.logger.Info(ctx, "view created", "view", ref.ViewName(), "force", force)
	return nil
}

// Refresh recomputes the view of a relation. A missing view is created,
// which populates it.
func (s *ViewService) Refresh(ctx context.Context, ref *model.Reference) error {
	repo := s.repomanager.Views(s.db)
	ok, err := repo.Exists(ctx, ref.ViewName())
	if err != nil {
		return err
	}
	if !ok {
		return s.Create(ctx, ref, false)
	}
	if err := repo.Refresh(ctx, ref.ViewName()); err != nil {
		return err
	}
	s.logger.Debug(ctx, "view refreshed", "view", ref.ViewName())
	return nil
}

// CreateAll creates the views of every relation of the catalogue, or of the
// named collections, and returns their names.
func (s *ViewService) CreateAll(ctx context.Context, catalogue string, collections []string, force bool) ([]string, error) {
	return s.each(catalogue, collections, func(ref *model.Reference) error { return s.Create(ctx, ref, force) })
}

// RefreshAll refreshes the views of every relation of the catalogue, or of
// the named collections, and returns their names.
func (s *ViewService) RefreshAll(ctx context.Context, catalogue string, collections []string) ([]string, error) {
	return s.each(catalogue, collections, func(ref *model.Reference) error { return s.Refresh(ctx, ref) })
}

func (s *ViewService) each(catalogue string, collections []string, fn func(*model.Reference) error) ([]string, error) {
	refs, err := references(s.registry, catalogue, collections)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		if err := fn(ref); err != nil {
			return names, err
		}
		names = append(names, ref.ViewName())
	}
	return names, nil
}
