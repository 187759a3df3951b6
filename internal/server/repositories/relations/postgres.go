// Package relations provides PostgreSQL-backed relation tables and the
// reads of source and destination state the relater needs.
package relations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/relate"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// insertBatch keeps one INSERT well below the bind parameter limit.
const insertBatch = 2000

const relationColumns = `_tid, src_source, src_id, src_volgnummer, dst_source, dst_id, dst_volgnummer,
	bronwaarde, begin_geldigheid, eind_geldigheid, _last_src_event, _last_dst_event, _hash`

// Run records one relate run of a relation and the watermarks it started
// from.
type Run struct {
	ID           uuid.UUID
	Relation     string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Full         bool
	SrcWatermark int64
	DstWatermark int64
	RowsWritten  int64
	Conflicts    int64
}

// PostgresRepository implements relation storage over a dbx.DBTX (*sql.DB
// or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureTable creates the relation table and its indexes when missing.
func (r *PostgresRepository) EnsureTable(ctx context.Context, ref *model.Reference) error {
	table := ref.Name
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id bigserial PRIMARY KEY,
		_tid varchar NOT NULL,
		src_source varchar NOT NULL,
		src_id varchar NOT NULL,
		src_volgnummer bigint,
		dst_source varchar,
		dst_id varchar,
		dst_volgnummer bigint,
		bronwaarde varchar,
		begin_geldigheid timestamp,
		eind_geldigheid timestamp,
		_last_src_event bigint NOT NULL,
		_last_dst_event bigint NOT NULL,
		_hash varchar NOT NULL,
		_date_created timestamp NOT NULL DEFAULT now()
	)`, dbx.Ident(table)),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (_tid)`, dbx.Ident(dbx.IndexName(table, "tid_idx")), dbx.Ident(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (src_id)`, dbx.Ident(dbx.IndexName(table, "src_idx")), dbx.Ident(table)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (dst_id)`, dbx.Ident(dbx.IndexName(table, "dst_idx")), dbx.Ident(table)),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure relation %s: %w", table, err)
		}
	}
	return nil
}

// MaxEvent is the highest event id reflected in a collection, all sources.
func (r *PostgresRepository) MaxEvent(ctx context.Context, coll *model.Collection) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(_last_event), 0) FROM %s`, dbx.Ident(coll.Table()))
	var max int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return max, nil
}

// LastRun returns the latest run of a relation. It returns
// common.ErrNotFound when the relation was never related or when the latest
// run did not finish, so that the next run starts over in full.
func (r *PostgresRepository) LastRun(ctx context.Context, relation string) (*Run, error) {
	query := `SELECT id, relation, started_at, finished_at, full_run, src_watermark, dst_watermark, rows_written, conflicts
		FROM relate_runs
		WHERE relation = $1
		ORDER BY started_at DESC
		LIMIT 1`

	var (
		run      Run
		finished sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, query, relation).Scan(&run.ID, &run.Relation, &run.StartedAt, &finished,
		&run.Full, &run.SrcWatermark, &run.DstWatermark, &run.RowsWritten, &run.Conflicts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if !finished.Valid {
		return nil, fmt.Errorf("run %s of %s unfinished: %w", run.ID, relation, common.ErrNotFound)
	}
	run.FinishedAt = &finished.Time
	return &run, nil
}

// StartRun records the start of a run.
func (r *PostgresRepository) StartRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO relate_runs (id, relation, started_at, full_run, src_watermark, dst_watermark)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.ExecContext(ctx, query, run.ID, run.Relation, run.StartedAt, run.Full,
		run.SrcWatermark, run.DstWatermark); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// FinishRun marks a run finished. Only finished runs count as watermarks.
func (r *PostgresRepository) FinishRun(ctx context.Context, run *Run) error {
	query := `UPDATE relate_runs SET finished_at = $1, rows_written = $2, conflicts = $3 WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, run.FinishedAt, run.RowsWritten, run.Conflicts, run.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("finish run %s: %w", run.ID, common.ErrNotFound)
	}
	return nil
}

// SourceIDs returns the next page of source functional ids after the given
// id, deleted rows included so their relations get cleared.
func (r *PostgresRepository) SourceIDs(ctx context.Context, ref *model.Reference, after string, limit int) ([]string, error) {
	q, err := buildQueries(ref)
	if err != nil {
		return nil, err
	}
	return r.selectStrings(ctx, q.sourceIDs, after, limit)
}

// ChangedSourceIDs returns the source ids whose relations may have changed
// since the given watermarks: changed source rows, source rows matching a
// changed destination, and sources currently related to a changed
// destination.
func (r *PostgresRepository) ChangedSourceIDs(ctx context.Context, ref *model.Reference, srcAfter, dstAfter int64) ([]string, error) {
	q, err := buildQueries(ref)
	if err != nil {
		return nil, err
	}
	return r.selectStrings(ctx, q.changedSourceIDs, srcAfter, dstAfter)
}

// SourceRows reads all live states of the given source ids.
func (r *PostgresRepository) SourceRows(ctx context.Context, ref *model.Reference, ids []string) ([]relate.Source, error) {
	q, err := buildQueries(ref)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q.sourceRows, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []relate.Source
	for rows.Next() {
		var (
			s     relate.Source
			seq   sql.NullInt64
			begin sql.NullTime
			value sql.NullString
		)
		if err := rows.Scan(&s.Source, &s.ID, &seq, &begin, &s.LastEvent, &value); err != nil {
			return nil, err
		}
		s.Volgnummer = intPtr(seq)
		s.Begin = timePtr(begin)
		if value.Valid {
			v, err := model.FromDB(ref.Attribute.Type, &value.String)
			if err != nil {
				return nil, fmt.Errorf("decode %s of %s: %w", ref.Attribute.Name, s.ID, err)
			}
			s.Bronwaarden = relate.Bronwaarden(v)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DestinationRows reads the live destination states matching any of values,
// together with every other live state of the same destination ids when
// the destination is historicized.
func (r *PostgresRepository) DestinationRows(ctx context.Context, ref *model.Reference, values []string) ([]relate.Destination, error) {
	if len(values) == 0 {
		return nil, nil
	}
	q, err := buildQueries(ref)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q.destinationRows, pq.Array(values))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []relate.Destination
	for rows.Next() {
		var (
			d     relate.Destination
			seq   sql.NullInt64
			begin sql.NullTime
			value sql.NullString
		)
		if err := rows.Scan(&d.Source, &d.ID, &seq, &begin, &value, &d.LastEvent); err != nil {
			return nil, err
		}
		d.Volgnummer = intPtr(seq)
		d.Begin = timePtr(begin)
		d.Value = value.String
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Replace deletes the relation rows of srcIDs and inserts rows. Callers
// pass a transaction so a chunk is replaced atomically.
func (r *PostgresRepository) Replace(ctx context.Context, ref *model.Reference, srcIDs []string, rows []relate.Row) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE src_id = ANY($1)`, dbx.Ident(ref.Name))
	if _, err := r.db.ExecContext(ctx, query, pq.Array(srcIDs)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	for _, batch := range dbx.Chunks(rows, insertBatch) {
		if err := r.insert(ctx, ref, batch); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) insert(ctx context.Context, ref *model.Reference, batch []relate.Row) error {
	const width = 13

	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (%s) VALUES `, dbx.Ident(ref.Name), relationColumns)
	args := make([]any, 0, len(batch)*width)
	for i, row := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 1; j <= width; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j)
		}
		sb.WriteString(")")
		args = append(args, row.Tid, row.SrcSource, row.SrcID, row.SrcVolgnummer,
			nullable(row.DstSource), nullable(row.DstID), row.DstVolgnummer,
			nullable(row.Bronwaarde), row.Begin, row.End, row.LastSrcEvent, row.LastDstEvent, row.Hash)
	}
	if _, err := r.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteOrphans removes relation rows whose source no longer has a live
// row.
func (r *PostgresRepository) DeleteOrphans(ctx context.Context, ref *model.Reference) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s r WHERE NOT EXISTS (
		SELECT 1 FROM %s s WHERE s._id = r.src_id AND s._date_deleted IS NULL)`,
		dbx.Ident(ref.Name), dbx.Ident(ref.Src.Table()))
	res, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) selectStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
