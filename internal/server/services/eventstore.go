package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/regstate/internal/common"
	"github.com/dmitrijs2005/regstate/internal/dbx"
	"github.com/dmitrijs2005/regstate/internal/server/config"
	"github.com/dmitrijs2005/regstate/internal/server/event"
	"github.com/dmitrijs2005/regstate/internal/server/model"
	"github.com/dmitrijs2005/regstate/internal/server/repositories/repomanager"
)

// EventStore is the append-only log and the applied watermarks kept
// against it.
type EventStore struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	chunk       int
}

func NewEventStore(db *sql.DB, repomanager repomanager.RepositoryManager, cfg *config.Config) *EventStore {
	return &EventStore{db: db, repomanager: repomanager, chunk: chunkSize(cfg.ChunkSize)}
}

// Append stores events in arrival order and assigns their ids. Each chunk
// is one transaction.
func (s *EventStore) Append(ctx context.Context, events []*event.Event) error {
	for _, batch := range dbx.Chunks(events, s.chunk) {
		err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return s.repomanager.Events(tx).Append(ctx, batch)
		})
		if err != nil {
			return fmt.Errorf("append events: %w", err)
		}
	}
	return nil
}

// ReadAfter returns up to limit events of the partition following afterID.
func (s *EventStore) ReadAfter(ctx context.Context, p common.Partition, afterID int64, limit int) ([]*event.Event, error) {
	return s.repomanager.Events(s.db).ReadAfter(ctx, p, afterID, limit)
}

// Tip is the highest event id of the partition.
func (s *EventStore) Tip(ctx context.Context, p common.Partition) (int64, error) {
	return s.repomanager.Events(s.db).Tip(ctx, p)
}

// MaxApplied is the applied watermark of the partition.
func (s *EventStore) MaxApplied(ctx context.Context, p common.Partition) (int64, error) {
	return s.repomanager.Watermarks(s.db).Get(ctx, p)
}

// CheckWatermark returns the applied watermark and the log tip of the
// partition. A watermark beyond the tip, or rows reflecting events beyond
// the watermark, is a consistency violation.
func (s *EventStore) CheckWatermark(ctx context.Context, coll *model.Collection, p common.Partition) (applied, tip int64, err error) {
	if applied, err = s.MaxApplied(ctx, p); err != nil {
		return 0, 0, err
	}
	if tip, err = s.Tip(ctx, p); err != nil {
		return 0, 0, err
	}
	rows, err := s.repomanager.Entities(s.db).MaxLastEvent(ctx, coll, p.Source)
	if err != nil {
		return 0, 0, err
	}
	switch {
	case applied > tip:
		return applied, tip, &common.ConsistencyError{Partition: p,
			Reason: fmt.Sprintf("applied watermark %d exceeds log tip %d", applied, tip)}
	case rows > applied:
		return applied, tip, &common.ConsistencyError{Partition: p,
			Reason: fmt.Sprintf("rows reflect event %d beyond applied watermark %d", rows, applied)}
	}
	return applied, tip, nil
}
