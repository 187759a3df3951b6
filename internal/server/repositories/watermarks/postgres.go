// Package watermarks stores the applied watermark of each partition: the
// id of the last event replayed onto its current-state rows.
package watermarks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns the applied watermark, 0 for a partition never applied.
func (r *PostgresRepository) Get(ctx context.Context, p common.Partition) (int64, error) {
	query := `SELECT eventid FROM watermarks WHERE catalogue = $1 AND entity = $2 AND source = $3`
	var id int64
	err := r.db.QueryRowContext(ctx, query, p.Catalogue, p.Entity, p.Source).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

// Advance moves the watermark forward. It never moves backwards. Callers
// run it in the transaction of the chunk it covers.
func (r *PostgresRepository) Advance(ctx context.Context, p common.Partition, eventID int64) error {
	query := `INSERT INTO watermarks (catalogue, entity, source, eventid, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (catalogue, entity, source)
		DO UPDATE SET eventid = GREATEST(watermarks.eventid, EXCLUDED.eventid), updated_at = now()`
	if _, err := r.db.ExecContext(ctx, query, p.Catalogue, p.Entity, p.Source, eventID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
