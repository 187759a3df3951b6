package entities

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/model/modeltest"
	"github.com/google/go-cmp/cmp"
	"github.com/lib/pq"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func stadsdelen(t *testing.T) *model.Collection {
	return modeltest.Collection(t, "gebieden", "stadsdelen")
}

var rowCols = []string{"_id", "_tid", "_source", "_source_id", "_version", "_hash", "_last_event",
	"_date_created", "_date_confirmed", "_date_modified", "_date_deleted", "identificatie", "code", "naam"}

func TestEnsureTable(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`(?s)^CREATE TABLE IF NOT EXISTS "gebieden_stadsdelen" \(.*_gobid bigserial PRIMARY KEY,.*"identificatie" character varying,.*"naam" character varying \)$`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^CREATE UNIQUE INDEX IF NOT EXISTS "gebieden_stadsdelen_tid_idx" ON "gebieden_stadsdelen" \(_source, _tid\)$`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^CREATE INDEX IF NOT EXISTS "gebieden_stadsdelen_sid_idx"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^CREATE INDEX IF NOT EXISTS "gebieden_stadsdelen_id_idx"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`^CREATE INDEX IF NOT EXISTS "gebieden_stadsdelen_le_idx"`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.EnsureTable(context.Background(), stadsdelen(t)); err != nil {
		t.Fatalf("EnsureTable error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEnsureTable_Error(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^CREATE TABLE`).WillReturnError(errors.New("permission denied"))

	err := repo.EnsureTable(context.Background(), stadsdelen(t))
	if err == nil || !regexp.MustCompile(`ensure table gebieden_stadsdelen: permission denied`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestSnapshot_ScansRows(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows(rowCols).
		AddRow("S1", "S1", "AMSBI", "S1", "0.1", "h1", int64(5), created, nil, nil, nil, "S1", "A", "Centrum").
		AddRow("S2", "S2", "AMSBI", "S2", nil, nil, int64(6), created, nil, nil, created, "S2", nil, nil)

	q := `(?s)^SELECT _id, _tid, _source, _source_id, _version, _hash, _last_event, _date_created, _date_confirmed, _date_modified, _date_deleted, "identificatie"::text, "code"::text, "naam"::text FROM "gebieden_stadsdelen" WHERE _source = \$1 ORDER BY _tid$`
	mock.ExpectQuery(q).WithArgs("AMSBI").WillReturnRows(rows)

	got, err := repo.Snapshot(context.Background(), stadsdelen(t), "AMSBI")
	if err != nil {
		t.Fatalf("Snapshot error: %v", err)
	}
	want := []*entity.Row{
		{ID: "S1", Tid: "S1", Source: "AMSBI", SourceID: "S1", Version: "0.1", Hash: "h1", LastEvent: 5,
			DateCreated: &created, Attrs: map[string]any{"identificatie": "S1", "code": "A", "naam": "Centrum"}},
		{ID: "S2", Tid: "S2", Source: "AMSBI", SourceID: "S2", LastEvent: 6,
			DateCreated: &created, DateDeleted: &created, Attrs: map[string]any{"identificatie": "S2", "code": nil, "naam": nil}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	if got[0].Live() != true || got[1].Live() != false {
		t.Fatalf("unexpected liveness")
	}
}

func TestSnapshot_DecodeError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	coll := modeltest.Collection(t, "meetbouten", "metingen")
	rows := sqlmock.NewRows([]string{"_id", "_tid", "_source", "_source_id", "_version", "_hash", "_last_event",
		"_date_created", "_date_confirmed", "_date_modified", "_date_deleted", "identificatie", "zakking", "hoort_bij_meetbouten"}).
		AddRow("M", "M", "AMSBI", "M", nil, nil, int64(1), nil, nil, nil, nil, "M", "0.5", "{not json")
	mock.ExpectQuery(`^SELECT`).WillReturnRows(rows)

	_, err := repo.Snapshot(context.Background(), coll, "AMSBI")
	if err == nil || !regexp.MustCompile(`decode hoort_bij_meetbouten of M`).MatchString(err.Error()) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestStates(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT _tid, _last_event, _date_deleted IS NOT NULL FROM "gebieden_stadsdelen" WHERE _source = \$1 AND _tid = ANY\(\$2\)$`
	mock.ExpectQuery(q).WithArgs("AMSBI", pq.Array([]string{"S1", "S2"})).
		WillReturnRows(sqlmock.NewRows([]string{"_tid", "_last_event", "deleted"}).AddRow("S1", int64(3), false).AddRow("S2", int64(9), true))

	got, err := repo.States(context.Background(), stadsdelen(t), "AMSBI", []string{"S1", "S2"})
	if err != nil {
		t.Fatalf("States error: %v", err)
	}
	want := map[string]entity.State{"S1": {LastEvent: 3}, "S2": {LastEvent: 9, Deleted: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestFetch(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows(rowCols).
		AddRow("S1", "S1", "AMSBI", "S1", "0.1", "h1", int64(5), nil, nil, nil, nil, "S1", "A", "Centrum")
	mock.ExpectQuery(`(?s)^SELECT .* FROM "gebieden_stadsdelen" WHERE _source = \$1 AND _tid = ANY\(\$2\)$`).
		WithArgs("AMSBI", pq.Array([]string{"S1", "S3"})).WillReturnRows(rows)

	got, err := repo.Fetch(context.Background(), stadsdelen(t), "AMSBI", []string{"S1", "S3"})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(got) != 1 || got["S1"].Attrs["naam"] != "Centrum" {
		t.Fatalf("unexpected rows: %+v", got)
	}
}

func TestInsertBatch(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	coll := modeltest.Collection(t, "meetbouten", "meetbouten")
	created := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	row := &entity.Row{ID: "M1", Tid: "M1", Source: "AMSBI", SourceID: "M1", Version: "0.2", Hash: "h", LastEvent: 4,
		DateCreated: &created,
		Attrs: map[string]any{"identificatie": "M1", "status": map[string]any{"code": float64(1)}, "hoogte": "1.5",
			"datum": "2024-01-01", "actief": true, "ligt_in_buurt": nil}}

	q := `(?s)^INSERT INTO "meetbouten_meetbouten" \(_id, .*_date_deleted, "identificatie", "status", "hoogte", "datum", "actief", "ligt_in_buurt"\) VALUES \(\$1, .*\$11, \$12::text::character varying, \$13::text::jsonb, \$14::text::numeric, \$15::text::date, \$16::text::boolean, \$17::text::jsonb\)$`
	mock.ExpectExec(q).
		WithArgs("M1", "M1", "AMSBI", "M1", "0.2", "h", int64(4), created, nil, nil, nil,
			"M1", `{"code":1}`, "1.5", "2024-01-01", "true", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.InsertBatch(context.Background(), coll, []*entity.Row{row}); err != nil {
		t.Fatalf("InsertBatch error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	row := &entity.Row{ID: "S1", Tid: "S1", Source: "AMSBI", SourceID: "S1", Version: "0.1", Hash: "h2", LastEvent: 8,
		Attrs: map[string]any{"identificatie": "S1", "code": "A", "naam": "Oost"}}

	q := `(?s)^UPDATE "gebieden_stadsdelen" SET _id = \$1, .*_date_deleted = \$9, "identificatie" = \$10::text::character varying, "code" = \$11::text::character varying, "naam" = \$12::text::character varying WHERE _source = \$13 AND _tid = \$14$`
	mock.ExpectExec(q).
		WithArgs("S1", "S1", "0.1", "h2", int64(8), nil, nil, nil, nil, "S1", "A", "Oost", "AMSBI", "S1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), stadsdelen(t), row); err != nil {
		t.Fatalf("Update error: %v", err)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^UPDATE`).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), stadsdelen(t), &entity.Row{Tid: "S9", Attrs: map[string]any{}})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBulkConfirm(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	q := `(?s)^UPDATE "gebieden_stadsdelen" AS e SET _date_confirmed = \$1, _last_event = \$2 FROM unnest\(\$3::text\[\], \$4::bigint\[\]\) AS c\(source_id, last_event\) WHERE e._source = \$5 AND e._source_id = c.source_id AND e._last_event = c.last_event AND e._date_deleted IS NULL$`
	mock.ExpectExec(q).
		WithArgs(ts, int64(20), pq.Array([]string{"S1", "S2"}), pq.Array([]int64{3, 4}), "AMSBI").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.BulkConfirm(context.Background(), stadsdelen(t), "AMSBI",
		[]event.Confirm{{SourceID: "S1", LastEvent: 3}, {SourceID: "S2", LastEvent: 4}}, ts, 20)
	if err != nil {
		t.Fatalf("BulkConfirm error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 confirmed, got %d", n)
	}

	n, err = repo.BulkConfirm(context.Background(), stadsdelen(t), "AMSBI", nil, ts, 21)
	if err != nil || n != 0 {
		t.Fatalf("expected no-op, got %d, %v", n, err)
	}
}

func TestMaxLastEvent(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`^SELECT COALESCE\(MAX\(_last_event\), 0\) FROM "gebieden_stadsdelen" WHERE _source = \$1$`).
		WithArgs("AMSBI").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(12)))

	got, err := repo.MaxLastEvent(context.Background(), stadsdelen(t), "AMSBI")
	if err != nil || got != 12 {
		t.Fatalf("expected 12, got %d, %v", got, err)
	}
}

func TestAnalyze(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^VACUUM ANALYZE "gebieden_stadsdelen"$`).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.Analyze(context.Background(), stadsdelen(t)); err != nil {
		t.Fatalf("Analyze error: %v", err)
	}
}
