package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/apply"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/entities"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ApplyResult reports one apply pass over a partition.
type ApplyResult struct {
	Partition   common.Partition `json:"partition"`
	Counts      apply.Counts     `json:"counts"`
	Before      int64            `json:"before_watermark"`
	After       int64            `json:"after_watermark"`
	Maintenance bool             `json:"maintenance"`
}

// ApplyService replays pending events onto current-state tables.
type ApplyService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *model.Registry
	store       *EventStore
	logger      logging.Logger

	chunk       int
	threshold   float64
	concurrency int
	retry       dbx.RetryPolicy
}

func NewApplyService(db *sql.DB, repomanager repomanager.RepositoryManager, registry *model.Registry,
	store *EventStore, cfg *config.Config, logger logging.Logger) *ApplyService {
	return &ApplyService{
		db:          db,
		repomanager: repomanager,
		registry:    registry,
		store:       store,
		logger:      logger.With("module", "apply"),
		chunk:       chunkSize(cfg.ChunkSize),
		threshold:   cfg.MaintenanceThreshold,
		concurrency: max(1, cfg.ApplyConcurrency),
		retry:       dbx.DefaultRetryPolicy,
	}
}

// Apply replays every event of the partition after its applied watermark,
// one transaction per chunk. The watermark advances with each commit, so a
// failed pass resumes at the last committed chunk.
func (s *ApplyService) Apply(ctx context.Context, p common.Partition) (*ApplyResult, error) {
	coll, err := s.registry.Collection(p.Catalogue, p.Entity)
	if err != nil {
		return nil, err
	}
	if err := s.repomanager.Entities(s.db).EnsureTable(ctx, coll); err != nil {
		return nil, err
	}
	return s.replay(ctx, coll, p)
}

// replay is Apply on a partition whose table is known to exist.
func (s *ApplyService) replay(ctx context.Context, coll *model.Collection, p common.Partition) (*ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "apply", trace.WithAttributes(attribute.String("partition", p.String())))
	defer span.End()

	log := s.logger.With("partition", p.String())

	before, tip, err := s.store.CheckWatermark(ctx, coll, p)
	if err != nil {
		log.Error(ctx, "watermark check failed", "error", err)
		return nil, err
	}

	res := &ApplyResult{Partition: p, Before: before, After: before}
	for res.After < tip {
		events, err := s.store.ReadAfter(ctx, p, res.After, s.chunk)
		if err != nil {
			return res, err
		}
		if len(events) == 0 {
			break
		}
		counts, err := s.applyChunk(ctx, coll, p, events)
		if err != nil {
			var ce *common.ConsistencyError
			if errors.As(err, &ce) {
				ce.Processed += res.Counts.Processed
			}
			log.Error(ctx, "apply failed", "watermark", res.After, "processed", res.Counts.Processed, "error", err)
			return res, err
		}
		res.Counts.Add(counts)
		res.After = events[len(events)-1].ID
		log.Debug(ctx, "chunk applied", "events", len(events), "watermark", res.After)
	}

	applied, tip, err := s.store.CheckWatermark(ctx, coll, p)
	if err != nil {
		return res, err
	}
	if applied != tip {
		err := &common.ConsistencyError{Partition: p, Processed: res.Counts.Processed,
			Reason: fmt.Sprintf("applied watermark %d differs from log tip %d after apply", applied, tip)}
		log.Error(ctx, "apply pass left partition behind", "error", err)
		return res, err
	}

	res.Maintenance = s.maintain(ctx, coll, res.Counts)
	log.Info(ctx, "apply pass finished",
		"before", res.Before, "after", res.After,
		"added", res.Counts.Added, "modified", res.Counts.Modified, "deleted", res.Counts.Deleted,
		"confirmed", res.Counts.Confirmed, "skipped", res.Counts.Skipped)
	return res, nil
}

func (s *ApplyService) applyChunk(ctx context.Context, coll *model.Collection, p common.Partition, events []*event.Event) (apply.Counts, error) {
	ctx, span := tracer.Start(ctx, "apply.chunk", trace.WithAttributes(attribute.Int("events", len(events))))
	defer span.End()

	var counts apply.Counts
	err := dbx.RetryTx(ctx, s.db, s.retry, func(ctx context.Context, tx dbx.DBTX) error {
		store := &tableStore{repo: s.repomanager.Entities(tx), coll: coll, source: p.Source}
		var err error
		counts, err = apply.Run(ctx, coll, p, store, func(ctx context.Context, a *apply.Applicator) error {
			if err := a.Apply(ctx, events); err != nil {
				return err
			}
			return a.Flush(ctx)
		})
		if err != nil {
			return err
		}
		return s.repomanager.Watermarks(tx).Advance(ctx, p, events[len(events)-1].ID)
	})
	return counts, err
}

// maintain refreshes planner statistics after a write-heavy pass.
func (s *ApplyService) maintain(ctx context.Context, coll *model.Collection, c apply.Counts) bool {
	if c.Processed == 0 || float64(c.Mutating)/float64(c.Processed) <= s.threshold {
		return false
	}
	if err := s.repomanager.Entities(s.db).Analyze(ctx, coll); err != nil {
		s.logger.Warn(ctx, "maintenance failed", "table", coll.Table(), "error", err)
		return false
	}
	s.logger.Info(ctx, "maintenance done", "table", coll.Table(), "mutating", c.Mutating, "processed", c.Processed)
	return true
}

// ApplyAll applies every source partition of a collection. Partitions own
// disjoint rows and run concurrently; the shared table is ensured once
// beforehand since concurrent CREATE TABLE IF NOT EXISTS can collide.
func (s *ApplyService) ApplyAll(ctx context.Context, catalogue, collection string) ([]*ApplyResult, error) {
	coll, err := s.registry.Collection(catalogue, collection)
	if err != nil {
		return nil, err
	}
	if err := s.repomanager.Entities(s.db).EnsureTable(ctx, coll); err != nil {
		return nil, err
	}
	sources, err := s.repomanager.Events(s.db).Sources(ctx, catalogue, collection)
	if err != nil {
		return nil, err
	}

	results := make([]*ApplyResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, source := range sources {
		g.Go(func() error {
			res, err := s.replay(gctx, coll, common.Partition{Catalogue: catalogue, Entity: collection, Source: source})
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// tableStore binds the entities repository to one partition.
type tableStore struct {
	repo   entities.Repository
	coll   *model.Collection
	source string
}

func (s *tableStore) States(ctx context.Context, tids []string) (map[string]entity.State, error) {
	return s.repo.States(ctx, s.coll, s.source, tids)
}

func (s *tableStore) Fetch(ctx context.Context, tids []string) (map[string]*entity.Row, error) {
	return s.repo.Fetch(ctx, s.coll, s.source, tids)
}

func (s *tableStore) InsertBatch(ctx context.Context, rows []*entity.Row) error {
	return s.repo.InsertBatch(ctx, s.coll, rows)
}

func (s *tableStore) Update(ctx context.Context, row *entity.Row) error {
	return s.repo.Update(ctx, s.coll, row)
}

func (s *tableStore) BulkConfirm(ctx context.Context, confirms []event.Confirm, ts time.Time, eventID int64) (int64, error) {
	return s.repo.BulkConfirm(ctx, s.coll, s.source, confirms, ts, eventID)
}
