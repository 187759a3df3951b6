package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/relate"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/relations"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// BuildRequest selects the relations to build: every reference attribute
// of the named collections, or of the whole catalogue when Collections is
// empty. Full forces a complete rebuild.
type BuildRequest struct {
	Catalogue   string   `json:"catalogue"`
	Collections []string `json:"collections,omitempty"`
	Full        bool     `json:"full,omitempty"`
}

// RelateResult reports one relation unit.
type RelateResult struct {
	Relation  string `json:"relation"`
	Full      bool   `json:"full"`
	SourceIDs int    `json:"source_ids"`
	Rows      int64  `json:"rows"`
	Conflicts int64  `json:"conflicts"`
	Orphans   int64  `json:"orphans"`
}

// RelateService derives relation tables from current state.
type RelateService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *model.Registry
	views       *ViewService
	logger      logging.Logger

	chunk       int
	concurrency int
	retry       dbx.RetryPolicy
	now         func() time.Time
}

func NewRelateService(db *sql.DB, repomanager repomanager.RepositoryManager, registry *model.Registry,
	views *ViewService, cfg *config.Config, logger logging.Logger) *RelateService {
	return &RelateService{
		db:          db,
		repomanager: repomanager,
		registry:    registry,
		views:       views,
		logger:      logger.With("module", "relate"),
		chunk:       chunkSize(cfg.ChunkSize),
		concurrency: max(1, cfg.RelateConcurrency),
		retry:       dbx.DefaultRetryPolicy,
		now:         time.Now,
	}
}

// Build relates every unit of the request and refreshes its view. All
// units are validated before the first table is read.
func (s *RelateService) Build(ctx context.Context, req BuildRequest) ([]*RelateResult, error) {
	refs, err := references(s.registry, req.Catalogue, req.Collections)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if err := relate.Validate(ref); err != nil {
			return nil, err
		}
	}

	results := make([]*RelateResult, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			res, err := s.relate(gctx, ref, req.Full)
			if err != nil {
				return fmt.Errorf("relate %s.%s: %w", ref.Src, ref.Attribute.Name, err)
			}
			results[i] = res
			return s.views.Refresh(gctx, ref)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// relate rebuilds one relation. The first run, or a forced one, walks all
// source ids; later runs only the ids touched since the watermarks of the
// last finished run.
func (s *RelateService) relate(ctx context.Context, ref *model.Reference, force bool) (*RelateResult, error) {
	ctx, span := tracer.Start(ctx, "relate", trace.WithAttributes(attribute.String("relation", ref.Name)))
	defer span.End()

	log := s.logger.With("relation", ref.Name, "source", ref.Src.String(), "attribute", ref.Attribute.Name)
	rels := s.repomanager.Relations(s.db)

	if err := rels.EnsureTable(ctx, ref); err != nil {
		return nil, err
	}
	srcMax, err := rels.MaxEvent(ctx, ref.Src)
	if err != nil {
		return nil, err
	}
	dstMax, err := rels.MaxEvent(ctx, ref.Dst)
	if err != nil {
		return nil, err
	}
	last, err := rels.LastRun(ctx, ref.Name)
	switch {
	case errors.Is(err, common.ErrNotFound):
		force = true
	case err != nil:
		return nil, err
	}

	run := &relations.Run{
		ID:           uuid.New(),
		Relation:     ref.Name,
		StartedAt:    s.now().UTC(),
		Full:         force,
		SrcWatermark: srcMax,
		DstWatermark: dstMax,
	}
	if err := rels.StartRun(ctx, run); err != nil {
		return nil, err
	}

	res := &RelateResult{Relation: ref.Name, Full: force}
	if force {
		after := ""
		for {
			ids, err := rels.SourceIDs(ctx, ref, after, s.chunk)
			if err != nil {
				return res, err
			}
			if len(ids) == 0 {
				break
			}
			if err := s.relateChunk(ctx, ref, ids, res, log); err != nil {
				return res, err
			}
			after = ids[len(ids)-1]
		}
		if res.Orphans, err = rels.DeleteOrphans(ctx, ref); err != nil {
			return res, err
		}
	} else if last.SrcWatermark != srcMax || last.DstWatermark != dstMax {
		ids, err := rels.ChangedSourceIDs(ctx, ref, last.SrcWatermark, last.DstWatermark)
		if err != nil {
			return res, err
		}
		for _, chunk := range dbx.Chunks(ids, s.chunk) {
			if err := s.relateChunk(ctx, ref, chunk, res, log); err != nil {
				return res, err
			}
		}
	}

	finished := s.now().UTC()
	run.FinishedAt = &finished
	run.RowsWritten = res.Rows
	run.Conflicts = res.Conflicts
	if err := rels.FinishRun(ctx, run); err != nil {
		return res, err
	}
	log.Info(ctx, "relation built", "full", res.Full, "source_ids", res.SourceIDs,
		"rows", res.Rows, "conflicts", res.Conflicts, "orphans", res.Orphans)
	return res, nil
}

// relateChunk replaces the relation rows of a chunk of source ids in one
// transaction.
func (s *RelateService) relateChunk(ctx context.Context, ref *model.Reference, ids []string, res *RelateResult, log logging.Logger) error {
	var out relate.Result
	err := dbx.RetryTx(ctx, s.db, s.retry, func(ctx context.Context, tx dbx.DBTX) error {
		rels := s.repomanager.Relations(tx)
		srcs, err := rels.SourceRows(ctx, ref, ids)
		if err != nil {
			return err
		}
		dsts, err := rels.DestinationRows(ctx, ref, bronwaarden(srcs))
		if err != nil {
			return err
		}
		if out, err = relate.Build(ref, srcs, dsts); err != nil {
			return err
		}
		return rels.Replace(ctx, ref, ids, out.Rows)
	})
	if err != nil {
		log.Error(ctx, "relate chunk failed", "source_ids", res.SourceIDs, "error", err)
		return err
	}
	res.SourceIDs += len(ids)
	res.Rows += int64(len(out.Rows))
	res.Conflicts += int64(len(out.Conflicts))
	for _, c := range out.Conflicts {
		log.Warn(ctx, "ambiguous destination", "conflict", c.String())
	}
	return nil
}

// bronwaarden collects the distinct values the sources refer to.
func bronwaarden(srcs []relate.Source) []string {
	set := make(map[string]struct{})
	for _, s := range srcs {
		for _, b := range s.Bronwaarden {
			set[b] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}
