// Package entities provides PostgreSQL-backed current-state tables, one per
// collection, named <catalog>_<collection>.
package entities

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/lib/pq"
)

// maxParams is the bind parameter budget of one INSERT.
const maxParams = 60000

var bookkeeping = []string{
	common.FieldID,
	common.FieldTid,
	common.FieldSource,
	common.FieldSourceID,
	common.FieldVersion,
	common.FieldHash,
	common.FieldLastEvent,
	common.FieldDateCreated,
	common.FieldDateConfirmed,
	common.FieldDateModified,
	common.FieldDateDeleted,
}

// PostgresRepository implements current-state storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureTable creates the collection table and its indexes when missing.
func (r *PostgresRepository) EnsureTable(ctx context.Context, coll *model.Collection) error {
	table := coll.Table()

	var sb strings.Builder
	fmt.Fprintf(&sb, `CREATE TABLE IF NOT EXISTS %s (
		_gobid bigserial PRIMARY KEY,
		_id varchar NOT NULL,
		_tid varchar NOT NULL,
		_source varchar NOT NULL,
		_source_id varchar NOT NULL,
		_version varchar,
		_hash varchar,
		_last_event bigint NOT NULL,
		_date_created timestamp,
		_date_confirmed timestamp,
		_date_modified timestamp,
		_date_deleted timestamp`, dbx.Ident(table))
	for _, a := range coll.Attributes {
		fmt.Fprintf(&sb, ",\n\t\t%s %s", dbx.Ident(a.Name), model.ColumnType(a.Type))
	}
	sb.WriteString("\n\t)")

	stmts := []string{
		sb.String(),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (_source, _tid)`, dbx.Ident(dbx.IndexName(table, "tid_idx")), dbx.Ident(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (_source, _source_id)`, dbx.Ident(dbx.IndexName(table, "sid_idx")), dbx.Ident(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (_id)`, dbx.Ident(dbx.IndexName(table, "id_idx")), dbx.Ident(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (_last_event)`, dbx.Ident(dbx.IndexName(table, "le_idx")), dbx.Ident(table)),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
	}
	return nil
}

// Snapshot reads every row of a source, deleted rows included, ordered by
// technical id.
func (r *PostgresRepository) Snapshot(ctx context.Context, coll *model.Collection, source string) ([]*entity.Row, error) {
	query := selectRows(coll) + ` WHERE _source = $1 ORDER BY _tid`
	rows, err := r.db.QueryContext(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*entity.Row
	for rows.Next() {
		row, err := scanRow(coll, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Fetch reads the full rows of the given technical ids. Missing ids are
// absent from the result.
func (r *PostgresRepository) Fetch(ctx context.Context, coll *model.Collection, source string, tids []string) (map[string]*entity.Row, error) {
	query := selectRows(coll) + ` WHERE _source = $1 AND _tid = ANY($2)`
	rows, err := r.db.QueryContext(ctx, query, source, pq.Array(tids))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*entity.Row, len(tids))
	for rows.Next() {
		row, err := scanRow(coll, rows)
		if err != nil {
			return nil, err
		}
		result[row.Tid] = row
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// States reads the last applied event and deletion flag of the given
// technical ids without loading attributes.
func (r *PostgresRepository) States(ctx context.Context, coll *model.Collection, source string, tids []string) (map[string]entity.State, error) {
	query := fmt.Sprintf(`SELECT _tid, _last_event, _date_deleted IS NOT NULL FROM %s
		WHERE _source = $1 AND _tid = ANY($2)`, dbx.Ident(coll.Table()))
	rows, err := r.db.QueryContext(ctx, query, source, pq.Array(tids))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	result := make(map[string]entity.State, len(tids))
	for rows.Next() {
		var (
			tid string
			st  entity.State
		)
		if err := rows.Scan(&tid, &st.LastEvent, &st.Deleted); err != nil {
			return nil, err
		}
		result[tid] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// InsertBatch inserts new rows with multi-row INSERT statements.
func (r *PostgresRepository) InsertBatch(ctx context.Context, coll *model.Collection, rows []*entity.Row) error {
	width := len(bookkeeping) + len(coll.Attributes)
	for _, batch := range dbx.Chunks(rows, maxParams/width) {
		if err := r.insert(ctx, coll, batch); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) insert(ctx context.Context, coll *model.Collection, batch []*entity.Row) error {
	cols := make([]string, 0, len(bookkeeping)+len(coll.Attributes))
	cols = append(cols, bookkeeping...)
	for _, a := range coll.Attributes {
		cols = append(cols, dbx.Ident(a.Name))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (%s) VALUES `, dbx.Ident(coll.Table()), strings.Join(cols, ", "))
	args := make([]any, 0, len(batch)*len(cols))
	for i, row := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range bookkeeping {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		args = append(args, bookkeepingArgs(row)...)
		for _, a := range coll.Attributes {
			v, err := model.ToDB(a.Type, row.Get(a.Name))
			if err != nil {
				return fmt.Errorf("encode %s of %s: %w", a.Name, row.Tid, err)
			}
			args = append(args, v)
			fmt.Fprintf(&sb, ", $%d::text::%s", len(args), model.ColumnType(a.Type))
		}
		sb.WriteString(")")
	}

	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Update overwrites a row identified by source and technical id.
func (r *PostgresRepository) Update(ctx context.Context, coll *model.Collection, row *entity.Row) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, `UPDATE %s SET _id = $1, _source_id = $2, _version = $3, _hash = $4, _last_event = $5,
		_date_created = $6, _date_confirmed = $7, _date_modified = $8, _date_deleted = $9`, dbx.Ident(coll.Table()))
	args := []any{row.ID, row.SourceID, row.Version, row.Hash, row.LastEvent,
		row.DateCreated, row.DateConfirmed, row.DateModified, row.DateDeleted}
	for _, a := range coll.Attributes {
		v, err := model.ToDB(a.Type, row.Get(a.Name))
		if err != nil {
			return fmt.Errorf("encode %s of %s: %w", a.Name, row.Tid, err)
		}
		args = append(args, v)
		fmt.Fprintf(&sb, ", %s = $%d::text::%s", dbx.Ident(a.Name), len(args), model.ColumnType(a.Type))
	}
	args = append(args, row.Source, row.Tid)
	fmt.Fprintf(&sb, ` WHERE _source = $%d AND _tid = $%d`, len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("update %s: %w", row.Tid, common.ErrNotFound)
	}
	return nil
}

// BulkConfirm sets the confirmation date and last event of every live row
// whose source id and last event still match a confirm entry. Rows changed
// after the confirmation was computed are left alone. It returns the number
// of confirmed rows.
func (r *PostgresRepository) BulkConfirm(ctx context.Context, coll *model.Collection, source string, confirms []event.Confirm, ts time.Time, eventID int64) (int64, error) {
	if len(confirms) == 0 {
		return 0, nil
	}
	ids := make([]string, len(confirms))
	lasts := make([]int64, len(confirms))
	for i, c := range confirms {
		ids[i] = c.SourceID
		lasts[i] = c.LastEvent
	}

	query := fmt.Sprintf(`UPDATE %s AS e SET _date_confirmed = $1, _last_event = $2
		FROM unnest($3::text[], $4::bigint[]) AS c(source_id, last_event)
		WHERE e._source = $5 AND e._source_id = c.source_id AND e._last_event = c.last_event
		AND e._date_deleted IS NULL`, dbx.Ident(coll.Table()))
	res, err := r.db.ExecContext(ctx, query, ts, eventID, pq.Array(ids), pq.Array(lasts), source)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

// MaxLastEvent is the applied watermark of a source: the highest event id
// reflected in its rows, 0 for an empty table.
func (r *PostgresRepository) MaxLastEvent(ctx context.Context, coll *model.Collection, source string) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(_last_event), 0) FROM %s WHERE _source = $1`, dbx.Ident(coll.Table()))
	var max int64
	if err := r.db.QueryRowContext(ctx, query, source).Scan(&max); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return max, nil
}

// Analyze refreshes planner statistics. It cannot run inside a transaction.
func (r *PostgresRepository) Analyze(ctx context.Context, coll *model.Collection) error {
	if _, err := r.db.ExecContext(ctx, `VACUUM ANALYZE `+dbx.Ident(coll.Table())); err != nil {
		return fmt.Errorf("vacuum analyze %s: %w", coll.Table(), err)
	}
	return nil
}

func selectRows(coll *model.Collection) string {
	var sb strings.Builder
	sb.WriteString(`SELECT `)
	sb.WriteString(strings.Join(bookkeeping, ", "))
	for _, a := range coll.Attributes {
		fmt.Fprintf(&sb, ", %s::text", dbx.Ident(a.Name))
	}
	fmt.Fprintf(&sb, ` FROM %s`, dbx.Ident(coll.Table()))
	return sb.String()
}

func bookkeepingArgs(row *entity.Row) []any {
	return []any{row.ID, row.Tid, row.Source, row.SourceID, row.Version, row.Hash, row.LastEvent,
		row.DateCreated, row.DateConfirmed, row.DateModified, row.DateDeleted}
}

func scanRow(coll *model.Collection, rows *sql.Rows) (*entity.Row, error) {
	var (
		row           entity.Row
		version, hash sql.NullString
		created       sql.NullTime
		confirmed     sql.NullTime
		modified      sql.NullTime
		deleted       sql.NullTime
	)
	texts := make([]sql.NullString, len(coll.Attributes))
	dest := []any{&row.ID, &row.Tid, &row.Source, &row.SourceID, &version, &hash, &row.LastEvent,
		&created, &confirmed, &modified, &deleted}
	for i := range texts {
		dest = append(dest, &texts[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}

	row.Version = version.String
	row.Hash = hash.String
	row.DateCreated = timePtr(created)
	row.DateConfirmed = timePtr(confirmed)
	row.DateModified = timePtr(modified)
	row.DateDeleted = timePtr(deleted)

	row.Attrs = make(map[string]any, len(coll.Attributes))
	for i, a := range coll.Attributes {
		var s *string
		if texts[i].Valid {
			s = &texts[i].String
		}
		v, err := model.FromDB(a.Type, s)
		if err != nil {
			return nil, fmt.Errorf("decode %s of %s: %w", a.Name, row.Tid, err)
		}
		row.Attrs[a.Name] = v
	}
	return &row, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
