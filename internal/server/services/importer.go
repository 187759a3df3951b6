package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/logging"
	"github.com/dmitrijs2005/regstate/internal/server/compare"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/entity"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/populate"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DeliveryHeader describes a delivery. Mode is full, partial or delete
// (empty means full). EntityID and Version, when given, must match the
// model. Enrich names the enrichment hooks to run, with their parameters.
type DeliveryHeader struct {
	Source      string                     `json:"source"`
	Application string                     `json:"application"`
	Catalogue   string                     `json:"catalogue"`
	Entity      string                     `json:"entity"`
	Version     string                     `json:"version,omitempty"`
	Mode        string                     `json:"mode,omitempty"`
	EntityID    string                     `json:"entity_id,omitempty"`
	Timestamp   time.Time                  `json:"timestamp,omitzero"`
	Enrich      map[string]json.RawMessage `json:"enrich,omitempty"`
}

// Delivery is one batch of raw source records.
type Delivery struct {
	Header   DeliveryHeader   `json:"header"`
	Contents []map[string]any `json:"contents"`
}

// Summary is reported when an import completes.
type Summary struct {
	NumAdded             int   `json:"num_added"`
	NumModified          int   `json:"num_modified"`
	NumDeleted           int   `json:"num_deleted"`
	NumConfirmed         int   `json:"num_confirmed"`
	NumSkippedHistorical int   `json:"num_skipped_historical"`
	BeforeWatermark      int64 `json:"before_watermark"`
	AfterWatermark       int64 `json:"after_watermark"`
}

// EnrichHook builds an enricher from the parameters given in a delivery
// header.
type EnrichHook func(params json.RawMessage) (populate.Enricher, error)

// ImportService turns deliveries into events and applies them.
type ImportService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	registry    *model.Registry
	store       *EventStore
	applier     *ApplyService
	logger      logging.Logger
	chunk       int
	hooks       map[string]EnrichHook
	now         func() time.Time
}

func NewImportService(db *sql.DB, repomanager repomanager.RepositoryManager, registry *model.Registry,
	store *EventStore, applier *ApplyService, cfg *config.Config, logger logging.Logger) *ImportService {
	return &ImportService{
		db:          db,
		repomanager: repomanager,
		registry:    registry,
		store:       store,
		applier:     applier,
		logger:      logger.With("module", "import"),
		chunk:       chunkSize(cfg.ChunkSize),
		hooks:       make(map[string]EnrichHook),
		now:         time.Now,
	}
}

// RegisterEnricher makes a hook available to delivery headers under name.
func (s *ImportService) RegisterEnricher(name string, hook EnrichHook) {
	s.hooks[name] = hook
}

// Import reconciles a delivery with the current state of its partition.
// Pending events are applied first so the comparison sees every stored
// change; the new events are then appended and applied.
func (s *ImportService) Import(ctx context.Context, d *Delivery) (*Summary, error) {
	h := d.Header
	coll, mode, enricher, err := s.validate(h)
	if err != nil {
		return nil, err
	}
	p := common.Partition{Catalogue: h.Catalogue, Entity: h.Entity, Source: h.Source}

	ctx, span := tracer.Start(ctx, "import", trace.WithAttributes(
		attribute.String("partition", p.String()), attribute.Int("records", len(d.Contents))))
	defer span.End()
	log := s.logger.With("partition", p.String(), "mode", string(mode))

	caught, err := s.applier.Apply(ctx, p)
	if err != nil {
		return nil, err
	}

	records, err := populate.New(coll, enricher).Populate(ctx, d.Contents)
	if err != nil {
		return nil, err
	}
	incoming := make([]*entity.Row, len(records))
	for i, rec := range records {
		rec.Row.Source = h.Source
		incoming[i] = rec.Row
	}

	current, err := s.repomanager.Entities(s.db).Snapshot(ctx, coll, h.Source)
	if err != nil {
		return nil, err
	}
	result, err := compare.Compare(coll, current, incoming, mode)
	if err != nil {
		return nil, err
	}

	ts := h.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	events, err := result.Events(event.Header{
		Timestamp:   ts.UTC(),
		Catalogue:   h.Catalogue,
		Entity:      h.Entity,
		Version:     coll.Version,
		Source:      h.Source,
		Application: h.Application,
	}, s.chunk)
	if err != nil {
		return nil, err
	}
	if err := s.store.Append(ctx, events); err != nil {
		log.Error(ctx, "append failed", "events", len(events), "error", err)
		return nil, err
	}

	applied, err := s.applier.Apply(ctx, p)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		NumAdded:             len(result.Adds),
		NumModified:          len(result.Modifies),
		NumDeleted:           len(result.Deletes),
		NumConfirmed:         len(result.Confirms),
		NumSkippedHistorical: len(result.Skips),
		BeforeWatermark:      caught.After,
		AfterWatermark:       applied.After,
	}
	log.Info(ctx, "import finished", "records", len(d.Contents), "events", len(events),
		"added", summary.NumAdded, "modified", summary.NumModified, "deleted", summary.NumDeleted,
		"confirmed", summary.NumConfirmed, "skipped", summary.NumSkippedHistorical)
	return summary, nil
}

// validate rejects a malformed header before any I/O.
func (s *ImportService) validate(h DeliveryHeader) (*model.Collection, compare.Mode, populate.Enricher, error) {
	for _, f := range [][2]string{{"source", h.Source}, {"catalogue", h.Catalogue}, {"entity", h.Entity}} {
		if f[1] == "" {
			return nil, "", nil, common.Invalid(f[0], "missing in delivery header")
		}
	}
	coll, err := s.registry.Collection(h.Catalogue, h.Entity)
	if err != nil {
		return nil, "", nil, err
	}
	mode, err := compare.ParseMode(h.Mode)
	if err != nil {
		return nil, "", nil, err
	}
	if h.EntityID != "" && h.EntityID != coll.EntityID {
		return nil, "", nil, common.Invalid("entity_id", "%q is not the entity id %q of %s", h.EntityID, coll.EntityID, coll)
	}
	if h.Version != "" && h.Version != coll.Version {
		return nil, "", nil, common.Invalid("version", "delivery version %q does not match model version %q", h.Version, coll.Version)
	}

	names := make([]string, 0, len(h.Enrich))
	for name := range h.Enrich {
		names = append(names, name)
	}
	sort.Strings(names)
	chain := make(populate.Chain, 0, len(names))
	for _, name := range names {
		hook, ok := s.hooks[name]
		if !ok {
			return nil, "", nil, common.Invalid("enrich", "unknown enricher %q", name)
		}
		e, err := hook(h.Enrich[name])
		if err != nil {
			return nil, "", nil, fmt.Errorf("%w: enricher %q: %w", common.ErrValidation, name, err)
		}
		chain = append(chain, e)
	}
	return coll, mode, chain, nil
}
