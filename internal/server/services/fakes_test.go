package services

import (
	"context"
	"database/sql"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/model/modeltest"
	"github.com/dmitrijs2005/regstate/internal/server/relate"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/entities"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/events"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/relations"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/views"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/watermarks"
	_ "modernc.org/sqlite"
)

// --- helpers ---

// newTxDB returns an in-memory database; the fakes below ignore the
// transaction handle, so it only has to begin and commit.
func newTxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:            100,
		MaintenanceThreshold: common.DefaultMaintenanceThreshold,
		RelateConcurrency:    2,
		ApplyConcurrency:     2,
	}
}

type stack struct {
	db       *sql.DB
	rm       *fakeRepoManager
	registry *model.Registry
	store    *EventStore
	applier  *ApplyService
	importer *ImportService
}

func newStack(t *testing.T, cfg *config.Config) *stack {
	t.Helper()
	s := &stack{db: newTxDB(t), rm: newFakeRepoManager(), registry: modeltest.Registry(t)}
	log := logging.Discard()
	s.store = NewEventStore(s.db, s.rm, cfg)
	s.applier = NewApplyService(s.db, s.rm, s.registry, s.store, cfg, log)
	s.applier.retry = dbx.RetryPolicy{MaxTries: 1}
	s.importer = NewImportService(s.db, s.rm, s.registry, s.store, s.applier, cfg, log)
	return s
}

// --- repository manager ---

type fakeRepoManager struct {
	repomanager.RepositoryManager

	events     *fakeEvents
	entities   *fakeEntities
	relations  *fakeRelations
	views      *fakeViews
	watermarks *fakeWatermarks
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		events:     &fakeEvents{},
		entities:   &fakeEntities{tables: make(map[string]map[string]*entity.Row)},
		relations:  newFakeRelations(),
		views:      &fakeViews{created: make(map[string]bool), refreshed: make(map[string]int)},
		watermarks: &fakeWatermarks{marks: make(map[common.Partition]int64)},
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeRepoManager) Events(dbx.DBTX) events.Repository            { return m.events }
func (m *fakeRepoManager) Entities(dbx.DBTX) entities.Repository        { return m.entities }
func (m *fakeRepoManager) Relations(dbx.DBTX) relations.Repository      { return m.relations }
func (m *fakeRepoManager) Views(dbx.DBTX) views.Repository              { return m.views }
func (m *fakeRepoManager) Watermarks(dbx.DBTX) watermarks.Repository    { return m.watermarks }

// --- events ---

type fakeEvents struct {
	mu     sync.Mutex
	log    []*event.Event
	nextID int64
}

func (f *fakeEvents) Append(_ context.Context, evs []*event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range evs {
		f.nextID++
		e.ID = f.nextID
		c := *e
		f.log = append(f.log, &c)
	}
	return nil
}

func (f *fakeEvents) ReadAfter(_ context.Context, p common.Partition, afterID int64, limit int) ([]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*event.Event
	for _, e := range f.log {
		if e.Partition() == p && e.ID > afterID && len(out) < limit {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeEvents) Tip(_ context.Context, p common.Partition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var tip int64
	for _, e := range f.log {
		if e.Partition() == p {
			tip = max(tip, e.ID)
		}
	}
	return tip, nil
}

func (f *fakeEvents) Sources(_ context.Context, catalogue, entity string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]struct{})
	for _, e := range f.log {
		if e.Catalogue == catalogue && e.Entity == entity {
			set[e.Source] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set)), nil
}

func (f *fakeEvents) ReadForExport(_ context.Context, catalogue, entity string, afterID int64, limit int) ([]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*event.Event
	for _, e := range f.log {
		if e.Catalogue == catalogue && e.Entity == entity && e.ID > afterID && len(out) < limit {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *fakeEvents) count(a event.Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.log {
		if e.Action == a {
			n++
		}
	}
	return n
}

// --- entities ---

type fakeEntities struct {
	mu       sync.Mutex
	tables   map[string]map[string]*entity.Row
	analyzed int
	ensured  int
}

func (f *fakeEntities) table(coll *model.Collection) map[string]*entity.Row {
	t, ok := f.tables[coll.Table()]
	if !ok {
		t = make(map[string]*entity.Row)
		f.tables[coll.Table()] = t
	}
	return t
}

func (f *fakeEntities) EnsureTable(_ context.Context, coll *model.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	f.table(coll)
	return nil
}

func (f *fakeEntities) Snapshot(_ context.Context, coll *model.Collection, source string) ([]*entity.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Row
	for _, r := range f.table(coll) {
		if r.Source == source {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (f *fakeEntities) States(_ context.Context, coll *model.Collection, source string, tids []string) (map[string]entity.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]entity.State)
	for _, tid := range tids {
		if r, ok := f.table(coll)[tid]; ok && r.Source == source {
			out[tid] = entity.State{LastEvent: r.LastEvent, Deleted: !r.Live()}
		}
	}
	return out, nil
}

func (f *fakeEntities) Fetch(_ context.Context, coll *model.Collection, source string, tids []string) (map[string]*entity.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*entity.Row)
	for _, tid := range tids {
		if r, ok := f.table(coll)[tid]; ok && r.Source == source {
			out[tid] = r.Clone()
		}
	}
	return out, nil
}

func (f *fakeEntities) InsertBatch(_ context.Context, coll *model.Collection, rows []*entity.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.table(coll)[r.Tid] = r.Clone()
	}
	return nil
}

func (f *fakeEntities) Update(_ context.Context, coll *model.Collection, row *entity.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.table(coll)[row.Tid]; !ok {
		return common.ErrNotFound
	}
	f.table(coll)[row.Tid] = row.Clone()
	return nil
}

func (f *fakeEntities) BulkConfirm(_ context.Context, coll *model.Collection, source string, confirms []event.Confirm, ts time.Time, eventID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range confirms {
		for _, r := range f.table(coll) {
			if r.Source == source && r.SourceID == c.SourceID && r.LastEvent == c.LastEvent && r.Live() {
				r.DateConfirmed = &ts
				r.LastEvent = eventID
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeEntities) MaxLastEvent(_ context.Context, coll *model.Collection, source string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var m int64
	for _, r := range f.table(coll) {
		if r.Source == source {
			m = max(m, r.LastEvent)
		}
	}
	return m, nil
}

func (f *fakeEntities) Analyze(context.Context, *model.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed++
	return nil
}

func (f *fakeEntities) row(coll *model.Collection, tid string) *entity.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table(coll)[tid]
}

// --- watermarks ---

type fakeWatermarks struct {
	mu       sync.Mutex
	marks    map[common.Partition]int64
	advanced int
}

func (f *fakeWatermarks) Get(_ context.Context, p common.Partition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[p], nil
}

func (f *fakeWatermarks) Advance(_ context.Context, p common.Partition, eventID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[p] = max(f.marks[p], eventID)
	f.advanced++
	return nil
}

// --- relations ---

type fakeRelations struct {
	mu sync.Mutex

	maxEvent map[string]int64
	runs     map[string]*relations.Run
	srcs     []relate.Source
	dsts     []relate.Destination
	changed  []string
	rows     map[string][]relate.Row

	tables       map[string]bool
	started      int
	fullScans    int
	changedCalls int
}

func newFakeRelations() *fakeRelations {
	return &fakeRelations{
		maxEvent: make(map[string]int64),
		runs:     make(map[string]*relations.Run),
		rows:     make(map[string][]relate.Row),
		tables:   make(map[string]bool),
	}
}

func (f *fakeRelations) EnsureTable(_ context.Context, ref *model.Reference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[ref.Name] = true
	return nil
}

func (f *fakeRelations) MaxEvent(_ context.Context, coll *model.Collection) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxEvent[coll.Table()], nil
}

func (f *fakeRelations) LastRun(_ context.Context, relation string) (*relations.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[relation]
	if !ok || run.FinishedAt == nil {
		return nil, common.ErrNotFound
	}
	c := *run
	return &c, nil
}

func (f *fakeRelations) StartRun(_ context.Context, run *relations.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeRelations) FinishRun(_ context.Context, run *relations.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *run
	f.runs[run.Relation] = &c
	return nil
}

func (f *fakeRelations) SourceIDs(_ context.Context, _ *model.Reference, after string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if after == "" {
		f.fullScans++
	}
	set := make(map[string]struct{})
	for _, s := range f.srcs {
		if s.ID > after {
			set[s.ID] = struct{}{}
		}
	}
	ids := slices.Sorted(maps.Keys(set))
	return ids[:min(limit, len(ids))], nil
}

func (f *fakeRelations) ChangedSourceIDs(context.Context, *model.Reference, int64, int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changedCalls++
	return f.changed, nil
}

func (f *fakeRelations) SourceRows(_ context.Context, _ *model.Reference, ids []string) ([]relate.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relate.Source
	for _, s := range f.srcs {
		if slices.Contains(ids, s.ID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRelations) DestinationRows(_ context.Context, _ *model.Reference, values []string) ([]relate.Destination, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []relate.Destination
	for _, d := range f.dsts {
		if slices.Contains(values, d.Value) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRelations) Replace(_ context.Context, ref *model.Reference, _ []string, rows []relate.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[ref.Name] = append(f.rows[ref.Name], rows...)
	return nil
}

func (f *fakeRelations) DeleteOrphans(context.Context, *model.Reference) (int64, error) {
	return 0, nil
}

// --- views ---

type fakeViews struct {
	mu        sync.Mutex
	created   map[string]bool
	refreshed map[string]int
	forced    int
}

func (f *fakeViews) Create(_ context.Context, v views.View, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[v.Name] = true
	if force {
		f.forced++
	}
	return nil
}

func (f *fakeViews) Refresh(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed[name]++
	return nil
}

func (f *fakeViews) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[name], nil
}
