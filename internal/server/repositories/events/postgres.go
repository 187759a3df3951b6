// Package events provides the PostgreSQL-backed append-only event log.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/event"
)

// appendBatch keeps one INSERT well below the 65535 bind parameter limit.
const appendBatch = 1000

const eventColumns = `eventid, timestamp, catalogue, entity, version, action, source, source_id, tid, application, contents`

// PostgresRepository implements the event log over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append inserts events in slice order and sets their ID from the log
// sequence. Contents are stored compressed. Callers wanting all-or-nothing
// semantics pass a transaction.
func (r *PostgresRepository) Append(ctx context.Context, events []*event.Event) error {
	for _, batch := range dbx.Chunks(events, appendBatch) {
		if err := r.appendBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) appendBatch(ctx context.Context, batch []*event.Event) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO events (timestamp, catalogue, entity, version, action, source, source_id, tid, application, contents) VALUES `)
	args := make([]any, 0, len(batch)*10)
	for i, e := range batch {
		contents, err := event.Compress(e.Contents)
		if err != nil {
			return fmt.Errorf("compress event contents: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10)
		args = append(args, e.Timestamp, e.Catalogue, e.Entity, e.Version, string(e.Action),
			e.Source, e.SourceID, e.Tid, e.Application, contents)
	}
	sb.WriteString(` RETURNING eventid`)

	rows, err := r.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	i := 0
	for rows.Next() {
		if i >= len(batch) {
			return fmt.Errorf("append returned more ids than events")
		}
		if err := rows.Scan(&batch[i].ID); err != nil {
			return fmt.Errorf("scan event id: %w", err)
		}
		i++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if i != len(batch) {
		return fmt.Errorf("append returned %d ids for %d events", i, len(batch))
	}
	return nil
}

// ReadAfter returns at most limit events of the partition with an id above
// afterID, in id order.
func (r *PostgresRepository) ReadAfter(ctx context.Context, p common.Partition, afterID int64, limit int) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE catalogue = $1 AND entity = $2 AND source = $3 AND eventid > $4
		ORDER BY eventid
		LIMIT $5`
	return r.query(ctx, query, p.Catalogue, p.Entity, p.Source, afterID, limit)
}

// ReadForExport returns at most limit events of a collection, all sources,
// with an id above afterID, in id order.
func (r *PostgresRepository) ReadForExport(ctx context.Context, catalogue, entity string, afterID int64, limit int) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE catalogue = $1 AND entity = $2 AND eventid > $3
		ORDER BY eventid
		LIMIT $4`
	return r.query(ctx, query, catalogue, entity, afterID, limit)
}

// Tip returns the highest event id of the partition, 0 for an empty log.
func (r *PostgresRepository) Tip(ctx context.Context, p common.Partition) (int64, error) {
	query := `SELECT COALESCE(MAX(eventid), 0) FROM events
		WHERE catalogue = $1 AND entity = $2 AND source = $3`
	var tip int64
	if err := r.db.QueryRowContext(ctx, query, p.Catalogue, p.Entity, p.Source).Scan(&tip); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return tip, nil
}

// Sources lists the sources that have events for a collection.
func (r *PostgresRepository) Sources(ctx context.Context, catalogue, entity string) ([]string, error) {
	query := `SELECT DISTINCT source FROM events
		WHERE catalogue = $1 AND entity = $2
		ORDER BY source`
	rows, err := r.db.QueryContext(ctx, query, catalogue, entity)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sources, nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) ([]*event.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var (
		e        event.Event
		action   string
		contents []byte
	)
	if err := rows.Scan(&e.ID, &e.Timestamp, &e.Catalogue, &e.Entity, &e.Version, &action,
		&e.Source, &e.SourceID, &e.Tid, &e.Application, &contents); err != nil {
		return nil, err
	}
	a, err := event.ParseAction(action)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", e.ID, err)
	}
	e.Action = a
	if e.Contents, err = event.Decompress(contents); err != nil {
		return nil, fmt.Errorf("event %d: %w", e.ID, err)
	}
	return &e, nil
}
