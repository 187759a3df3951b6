// Package views manages the materialized views derived from relation
// tables.
package views

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/model"
)

// View describes one materialized view over a relation table.
type View struct {
	Name      string
	Relation  string
	SrcStates bool
	DstStates bool
}

// Of derives the view of a resolved reference.
func Of(ref *model.Reference) View {
	return View{
		Name:      ref.ViewName(),
		Relation:  ref.Name,
		SrcStates: ref.Src.HasStates,
		DstStates: ref.Dst.HasStates,
	}
}

// columns lists the projected relation columns. Sequence numbers only
// appear for historicized sides.
func (v View) columns() []string {
	cols := []string{"id", "src_source", "src_id"}
	if v.SrcStates {
		cols = append(cols, "src_volgnummer")
	}
	cols = append(cols, "dst_source", "dst_id")
	if v.DstStates {
		cols = append(cols, "dst_volgnummer")
	}
	return append(cols, "bronwaarde", "begin_geldigheid", "eind_geldigheid")
}

type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create creates the view and its indexes unless they exist. With force an
// existing view is dropped first so a changed definition takes effect.
func (r *PostgresRepository) Create(ctx context.Context, v View, force bool) error {
	name := dbx.Ident(v.Name)
	var stmts []string
	if force {
		stmts = append(stmts, fmt.Sprintf(`DROP MATERIALIZED VIEW IF EXISTS %s`, name))
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS SELECT %s FROM %s`,
			name, strings.Join(v.columns(), ", "), dbx.Ident(v.Relation)),
		// REFRESH ... CONCURRENTLY needs a unique index.
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (id)`, dbx.Ident(dbx.IndexName(v.Name, "id_idx")), name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (src_id)`, dbx.Ident(dbx.IndexName(v.Name, "src_idx")), name),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (dst_id)`, dbx.Ident(dbx.IndexName(v.Name, "dst_idx")), name),
	)
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create view %s: %w", v.Name, err)
		}
	}
	return nil
}

// Refresh recomputes the view from its relation table without blocking
// readers.
func (r *PostgresRepository) Refresh(ctx context.Context, name string) error {
	query := fmt.Sprintf(`REFRESH MATERIALIZED VIEW CONCURRENTLY %s`, dbx.Ident(name))
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("refresh view %s: %w", name, err)
	}
	return nil
}

func (r *PostgresRepository) Exists(ctx context.Context, name string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM pg_matviews WHERE matviewname = $1)`
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}
